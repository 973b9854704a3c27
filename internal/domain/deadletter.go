package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrMalformedDeadLetter — запись DLQ нельзя разобрать или в ней нет исходного топика.
var ErrMalformedDeadLetter = errors.Mark(errors.New("malformed dead-letter record"), ErrValidation)

// DeadLetter — конверт сообщения, которое consumer не смог обработать.
type DeadLetter struct {
	OriginalTopic string            `json:"original_topic"`
	OriginalKey   string            `json:"original_key"`
	OriginalValue string            `json:"original_value"`
	Headers       map[string]string `json:"headers,omitempty"`
	Consumer      string            `json:"consumer"`
	EventID       string            `json:"event_id,omitempty"`
	ErrorMessage  string            `json:"error_message"`
	// ErrorKind пуст у записей, сделанных до появления поля.
	ErrorKind     ErrorKind         `json:"error_kind,omitempty"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// Encode сериализует конверт для записи в DLQ-топик.
func (d DeadLetter) Encode() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	return raw, nil
}

// Replayable сообщает, может ли повторная доставка закончиться иначе.
// Validation и прочие доменные отказы детерминированы: повтор вернёт их в DLQ.
func (d DeadLetter) Replayable() bool {
	switch d.ErrorKind {
	case "", KindLockBusy, KindVersionConflict, KindInfrastructure:
		return true
	default:
		return false
	}
}

// ParseDeadLetter разбирает конверт DLQ. Если event_id не был записан,
// он извлекается из исходного сообщения.
func ParseDeadLetter(raw []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: %v", ErrMalformedDeadLetter, err)
	}
	if strings.TrimSpace(dl.OriginalTopic) == "" {
		return DeadLetter{}, fmt.Errorf("%w: original_topic is empty", ErrMalformedDeadLetter)
	}
	if dl.EventID == "" {
		dl.EventID = EventIDOf([]byte(dl.OriginalValue))
	}
	return dl, nil
}

// EventIDOf достаёт event_id из JSON события, пустая строка если его нет.
func EventIDOf(raw []byte) string {
	var head struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.EventID
}
