package kafka

import (
	"context"
	"sort"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/reservation-core/internal/tracing"
)

// recordHeaders переводит map-заголовки в формат sarama в стабильном порядке ключей.
func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]sarama.RecordHeader, 0, len(headers))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return out
}

// headerMap собирает заголовки сообщения consumer-а; при повторе ключа побеждает последний.
func headerMap(headers []*sarama.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h == nil {
			continue
		}
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

// contextFromMessage восстанавливает trace context, записанный продюсером.
func contextFromMessage(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	return tracing.Extract(ctx, headerMap(msg.Headers))
}

// mergeTrace добавляет к заголовкам trace context из ctx, не перетирая явные значения.
func mergeTrace(ctx context.Context, headers map[string]string) map[string]string {
	injected := tracing.Inject(ctx)
	if len(injected) == 0 {
		return headers
	}
	out := make(map[string]string, len(headers)+len(injected))
	for k, v := range injected {
		out[k] = v
	}
	for k, v := range headers {
		out[k] = v
	}
	return out
}
