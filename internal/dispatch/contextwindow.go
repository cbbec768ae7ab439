package dispatch

import (
	"encoding/xml"
	"strings"
	"time"

	"github.com/zulandar/stationmaster/internal/models"
)

// FormatWindow serializes a missed-context window as ordered message
// records. Sender names and content are XML-escaped so message text cannot
// break out of the structural envelope.
func FormatWindow(msgs []models.ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`  <message sender="`)
		escapeTo(&b, m.Sender)
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp.Format(time.RFC3339))
		b.WriteString(`">`)
		escapeTo(&b, m.Content)
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

// escapeTo writes s XML-escaped. xml.EscapeText only fails on writer
// errors, which strings.Builder never returns.
func escapeTo(b *strings.Builder, s string) {
	_ = xml.EscapeText(b, []byte(s))
}
