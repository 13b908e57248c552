package worker

import (
	"context"

	"go.uber.org/zap"

	"mikuai/internal/models"
	"mikuai/internal/service/persona"
)

// Listen starts one voice recognition. The outcome is delivered through
// Listener.OnVoiceResult; only one recognition runs at a time.
func (m *Manager) Listen(ctx context.Context) error {
	var err error
	if derr := m.do(ctx, func() { err = m.handleListen() }); derr != nil {
		return derr
	}
	return err
}

func (m *Manager) handleListen() error {
	if m.listening {
		return ErrBusy
	}
	if m.recognizer == nil {
		m.listener.OnVoiceResult(models.VoiceResult{
			Err:     ErrSpeechUnavailable,
			Message: persona.SpeechUnavailable,
		})
		return nil
	}
	m.listening = true
	m.workers.Add(1)
	go m.recognize(m.baseCtx)
	return nil
}

func (m *Manager) recognize(ctx context.Context) {
	defer m.workers.Done()
	text, err := m.recognizer.Listen(ctx)
	m.post(func() {
		m.listening = false
		result := models.VoiceResult{Text: text, Err: err}
		if err != nil {
			result.Message = persona.VoiceMessage(err)
			m.logger.Debug("voice recognition failed", zap.Error(err))
		}
		m.listener.OnVoiceResult(result)
	})
}

// Listening reports whether a voice recognition is running.
func (m *Manager) Listening(ctx context.Context) (bool, error) {
	var busy bool
	if err := m.do(ctx, func() { busy = m.listening }); err != nil {
		return false, err
	}
	return busy, nil
}
