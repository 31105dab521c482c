package log

// Discard returns a no-op handler that will discard all generated output.
func Discard() Logger {
	return discard{}
}

type discard struct{}

func (discard) Debug(_ ...any)              {}
func (discard) Debugf(_ string, _ ...any)   {}
func (discard) Info(_ ...any)               {}
func (discard) Infof(_ string, _ ...any)    {}
func (discard) Warning(_ ...any)            {}
func (discard) Warningf(_ string, _ ...any) {}
func (discard) Error(_ ...any)              {}
func (discard) Errorf(_ string, _ ...any)   {}
func (discard) Fatal(_ ...any)              {}
func (discard) Fatalf(_ string, _ ...any)   {}
func (d discard) WithFields(_ Fields) Logger {
	return d
}
func (d discard) WithField(_ string, _ any) Logger {
	return d
}
func (discard) SetLevel(_ Level) {}
func (d discard) Sub(_ Fields) Logger {
	return d
}
