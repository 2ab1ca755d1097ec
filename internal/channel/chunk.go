package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf16"
	"unicode/utf8"

	"chatrelay/internal/metrics"
)

// Platform payload limits. Telegram and WhatsApp Web count UTF-16 code
// units; Discord and Slack count characters.
const (
	telegramMaxMsgLen = 4096
	discordMaxMsgLen  = 2000
	slackMaxMsgLen    = 4000
	whatsappMaxMsgLen = 4096
)

// runeLen measures text in Unicode code points.
func runeLen(rune) int { return 1 }

// utf16Len measures text the way a JavaScript string length does: runes
// outside the Basic Multilingual Plane take two units.
func utf16Len(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// splitMessage cuts msg into ordered chunks of at most maxLen units, as
// measured by unitLen, whose concatenation is msg. Cuts fall on rune
// boundaries only and each chunk is filled as far as the limit allows, so
// the count is ceil(units/maxLen) unless a two-unit rune straddles a
// boundary and is pushed to the next chunk.
func splitMessage(msg string, maxLen int, unitLen func(rune) int) []string {
	if msg == "" {
		return nil
	}
	if maxLen <= 0 {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		cut, n := 0, 0
		for cut < len(msg) {
			r, size := utf8.DecodeRuneInString(msg[cut:])
			w := unitLen(r)
			if n+w > maxLen && cut > 0 {
				break
			}
			cut += size
			n += w
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// sendChunks attempts every chunk in order. A failed chunk is logged and the
// rest are still sent; the joined failures are returned. No retry.
func sendChunks(ctx context.Context, logger *slog.Logger, channel, jid string, chunks []string, send func(ctx context.Context, chunk string) error) error {
	var errs []error
	for i, chunk := range chunks {
		if err := send(ctx, chunk); err != nil {
			metrics.ChunksSent.WithLabelValues(channel, "error").Inc()
			logger.Error("chunk send failed", "chat_jid", jid, "chunk", i+1, "of", len(chunks), "err", err)
			errs = append(errs, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err))
			continue
		}
		metrics.ChunksSent.WithLabelValues(channel, "ok").Inc()
	}
	if len(errs) == 0 {
		logger.Info("message sent", "chat_jid", jid, "chunks", len(chunks))
	}
	return errors.Join(errs...)
}
