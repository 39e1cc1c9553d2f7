package nn

// Inference switches m to evaluation mode with gradient recording off and
// returns a function restoring the previous mode. Call it with defer so the
// mode is restored on every exit path:
//
//	restore := nn.Inference(model)
//	defer restore()
func Inference(m Module) (restore func()) {
	wasTraining := m.Training()
	wasRecording := m.SetGradEnabled(false)
	m.Eval()

	return func() {
		m.SetGradEnabled(wasRecording)
		if wasTraining {
			m.Train()
		} else {
			m.Eval()
		}
	}
}
