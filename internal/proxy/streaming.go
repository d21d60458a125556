package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"strings"

	"redaction-gateway/internal/engine"
	"redaction-gateway/internal/metrics"
)

// tokenSuffixMargin is the number of trailing bytes of accumulated text kept
// back from each flush, in case they are the prefix of a token split across
// SSE events. The fixed grammar is <TKN_CATEGORY_NNN>; categories in the
// shipped ruleset are short identifiers, so 64 bytes comfortably covers the
// realistic range while still bounding memory per stream.
const tokenSuffixMargin = 64

// ReconcileStream wraps src in a reader that replaces redaction tokens
// on-the-fly for Anthropic-style SSE streams.
//
// The upstream API streams one or two characters per text_delta event, which
// means a single token like <TKN_EMAIL_001> frequently arrives split across
// multiple SSE events. This reader therefore:
//  1. Buffers incoming bytes line by line.
//  2. For each complete "data: {...}" SSE line, parses the JSON.
//  3. If the event is a content_block_delta / text_delta, it accumulates the
//     text content into a per-stream buffer.
//  4. After each delta it flushes everything except a trailing margin that
//     could still be the start of a token, calling engine.Reconcile on the
//     flushed portion and re-serializing the event.
//  5. Blank lines and ":" comment lines are passed through verbatim; any
//     other line first flushes held-back text as a synthetic text_delta
//     event and is then written out with engine.Reconcile applied to it.
func ReconcileStream(src io.ReadCloser, sessionID string, eng *engine.Engine, m *metrics.Metrics) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer src.Close() //nolint:errcheck // best-effort close
		defer pw.Close()  //nolint:errcheck // pipe closed on goroutine exit; error unrecoverable

		var lineBuf []byte
		var textAccum strings.Builder

		const chunkSize = 32 * 1024
		buf := make([]byte, chunkSize)

		reconcile := func(text string) string {
			if text == "" {
				return text
			}
			result, err := eng.Reconcile(sessionID, text)
			if err != nil {
				log.Printf("[RECONCILE] error: %v", err)
				return text
			}
			if m != nil {
				m.TokensReconciled.Add(int64(len(result.DecodedValues)))
				m.TokensMissing.Add(int64(len(result.MissingTokens)))
			}
			return result.Text
		}

		processLine := func(line []byte) {
			if len(line) == 0 || line[0] == ':' {
				pw.Write(line)         //nolint:errcheck
				pw.Write([]byte("\n")) //nolint:errcheck
				return
			}

			if !bytes.HasPrefix(line, []byte("data: ")) {
				pw.Write([]byte(reconcile(string(line)))) //nolint:errcheck
				pw.Write([]byte("\n"))                     //nolint:errcheck
				return
			}

			payload := line[len("data: "):]

			var envelope struct {
				Type  string `json:"type"`
				Delta *struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal(payload, &envelope); err != nil {
				pw.Write([]byte("data: "))                  //nolint:errcheck
				pw.Write([]byte(reconcile(string(payload)))) //nolint:errcheck
				pw.Write([]byte("\n"))                       //nolint:errcheck
				return
			}

			isDeltaText := envelope.Type == "content_block_delta" &&
				envelope.Delta != nil &&
				(envelope.Delta.Type == "text_delta" || envelope.Delta.Type == "thinking_delta")
			if isDeltaText {
				textAccum.WriteString(envelope.Delta.Text)
				accumulated := textAccum.String()

				flushUpTo := len(accumulated)
				if flushUpTo > tokenSuffixMargin {
					cutAt := len(accumulated) - tokenSuffixMargin
					for i := len(accumulated) - 1; i >= cutAt; i-- {
						if accumulated[i] == '<' {
							if !strings.ContainsRune(accumulated[i:], '>') {
								cutAt = i
							}
							break
						}
					}
					flushUpTo = cutAt
				} else {
					flushUpTo = 0
				}

				toFlush := accumulated[:flushUpTo]
				replaced := reconcile(toFlush)

				envelope.Delta.Text = replaced
				newPayload, err := json.Marshal(envelope)
				if err != nil {
					pw.Write(line)         //nolint:errcheck
					pw.Write([]byte("\n")) //nolint:errcheck
					textAccum.Reset()
					return
				}

				pw.Write([]byte("data: ")) //nolint:errcheck
				pw.Write(newPayload)       //nolint:errcheck
				pw.Write([]byte("\n"))     //nolint:errcheck

				remaining := accumulated[flushUpTo:]
				textAccum.Reset()
				textAccum.WriteString(remaining)
				return
			}

			if textAccum.Len() > 0 {
				flushed := reconcile(textAccum.String())
				if flushed != "" {
					synth := map[string]any{
						"type":  "content_block_delta",
						"index": 1,
						"delta": map[string]string{"type": "text_delta", "text": flushed},
					}
					if b, err := json.Marshal(synth); err == nil {
						pw.Write([]byte("data: ")) //nolint:errcheck
						pw.Write(b)                //nolint:errcheck
						pw.Write([]byte("\n\n"))   //nolint:errcheck
					}
				}
				textAccum.Reset()
			}

			pw.Write([]byte(reconcile(string(line)))) //nolint:errcheck
			pw.Write([]byte("\n"))                     //nolint:errcheck
		}

		for {
			n, readErr := src.Read(buf)
			if n > 0 {
				for _, b := range buf[:n] {
					if b == '\n' {
						line := lineBuf
						if len(line) > 0 && line[len(line)-1] == '\r' {
							line = line[:len(line)-1]
						}
						processLine(line)
						lineBuf = lineBuf[:0]
					} else {
						lineBuf = append(lineBuf, b)
					}
				}
			}
			if readErr != nil {
				if len(lineBuf) > 0 {
					pw.Write([]byte(reconcile(string(lineBuf)))) //nolint:errcheck
				}
				if textAccum.Len() > 0 {
					flushed := reconcile(textAccum.String())
					if flushed != "" {
						synth := map[string]any{
							"type":  "content_block_delta",
							"index": 1,
							"delta": map[string]string{"type": "text_delta", "text": flushed},
						}
						if b, err := json.Marshal(synth); err == nil {
							pw.Write([]byte("data: ")) //nolint:errcheck
							pw.Write(b)                //nolint:errcheck
							pw.Write([]byte("\n\n"))   //nolint:errcheck
						}
					}
					textAccum.Reset()
				}
				if readErr != io.EOF {
					log.Printf("[RECONCILE] stream read error: %v", readErr)
					pw.CloseWithError(readErr) //nolint:errcheck
				}
				return
			}
		}
	}()
	return pr
}
