package radio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

var (
	// ErrTxDisabled is returned when a send is attempted while transmit is
	// disabled by configuration or the radio is not initialised.
	ErrTxDisabled = errors.New("lora tx disabled")
	// ErrTransferFailed is returned when the transceiver reports a failed
	// transmit.
	ErrTransferFailed = errors.New("radio transfer failed")
	// ErrNoFrame is returned by Transceiver.Receive when nothing arrived.
	ErrNoFrame = errors.New("no frame received")
	// ErrInvalidPacket is returned when an outgoing packet cannot be rendered.
	ErrInvalidPacket = errors.New("invalid outgoing packet")
)

// CriticalErrorCode identifies a critical fault.
type CriticalErrorCode int

const (
	CriticalErrorNone CriticalErrorCode = iota
	// CriticalErrorRadioSPIBug signals the radio rejected a transfer it
	// should have accepted, usually a bus or driver bug.
	CriticalErrorRadioSPIBug
	// CriticalErrorInvalidRadioSetting signals the radio refused its
	// configuration.
	CriticalErrorInvalidRadioSetting
)

func (c CriticalErrorCode) String() string {
	switch c {
	case CriticalErrorNone:
		return "none"
	case CriticalErrorRadioSPIBug:
		return "radio_spi_bug"
	case CriticalErrorInvalidRadioSetting:
		return "invalid_radio_setting"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// LogRecorder is the default ErrorRecorder. It logs every critical error and
// remembers the most recent one.
type LogRecorder struct {
	log   *slog.Logger
	last  atomic.Int32
	count atomic.Uint32
}

// NewLogRecorder creates a LogRecorder. If logger is nil, slog.Default() is used.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{log: logger}
}

// RecordCriticalError logs code at error level.
func (l *LogRecorder) RecordCriticalError(code CriticalErrorCode) {
	l.last.Store(int32(code))
	l.count.Add(1)
	l.log.Error("critical error", "code", code)
}

// Last returns the most recently recorded code.
func (l *LogRecorder) Last() CriticalErrorCode {
	return CriticalErrorCode(l.last.Load())
}

// Count returns how many critical errors were recorded.
func (l *LogRecorder) Count() uint32 {
	return l.count.Load()
}
