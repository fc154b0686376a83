package transcript

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-chat/internal/reasoning"
)

// ExportMarkdown renders a conversation as a Markdown document, one
// section per message in sequence order. Reasoning spans embedded between
// the marker pair are omitted; the export is the visible transcript.
func (s *Store) ExportMarkdown(ctx context.Context, conversationID string, markers reasoning.MarkerPair) (string, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	msgs, err := s.GetMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	title := conv.Title
	if title == "" {
		title = conv.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Created: %s\n\n", conv.CreatedAt.Format("2006-01-02 15:04 UTC"))

	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			b.WriteString("## User\n\n")
		case "assistant":
			if msg.ModelName != "" {
				fmt.Fprintf(&b, "## Assistant (%s)\n\n", msg.ModelName)
			} else {
				b.WriteString("## Assistant\n\n")
			}
		case "system":
			b.WriteString("## System\n\n")
		default:
			fmt.Fprintf(&b, "## %s\n\n", msg.Role)
		}
		content := stripMarkerSpans(msg.Content, markers)
		b.WriteString(strings.TrimSpace(content))
		b.WriteString("\n\n")
	}

	return b.String(), nil
}

// stripMarkerSpans removes every start..end marker span from content. An
// unterminated span drops the rest of the string, matching how an
// interrupted stream classifies its tail as reasoning.
func stripMarkerSpans(content string, markers reasoning.MarkerPair) string {
	if markers.Start == "" || markers.End == "" {
		return content
	}
	var b strings.Builder
	for {
		start := strings.Index(content, markers.Start)
		if start == -1 {
			b.WriteString(content)
			return b.String()
		}
		b.WriteString(content[:start])
		rest := content[start+len(markers.Start):]
		end := strings.Index(rest, markers.End)
		if end == -1 {
			return b.String()
		}
		content = rest[end+len(markers.End):]
	}
}
