package poller

type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

// Signal does a non-blocking send; a signal already queued absorbs it.
func Signal(ch chan ZeroSignal) bool {
	select {
	case ch <- Zero:
		return true
	default:
		return false
	}
}

// Recorder is told how every probe read ended.
type Recorder interface {
	ProbeRead(sensorID string, ok bool)
}
