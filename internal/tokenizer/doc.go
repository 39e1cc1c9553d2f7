// Package tokenizer turns token id sequences back into sentences.
//
// Two detokenizers are provided:
//   - SubwordVocab: an index -> subword table with BPE "@@ " continuation markers
//   - TikToken: OpenAI BPE encodings via pkoukk/tiktoken-go
//
// Both strip the start/end-of-sequence and padding ids and stop at the first
// end-of-sequence id, so decoder output and references compare cleanly.
//
// Example usage:
//
//	vocab, err := tokenizer.LoadSubwordVocab("vocab.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sentences, err := vocab.Sentences([][]int32{{1, 17, 42, 2}})
//	if err != nil {
//	    log.Fatal(err)
//	}
package tokenizer
