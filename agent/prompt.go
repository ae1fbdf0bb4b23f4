package agent

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/m4xw311/acprelay/errors"
	"github.com/m4xw311/acprelay/protocol"
	"github.com/m4xw311/acprelay/session"
)

// maxInlineResource bounds the file content inlined for one resource link.
const maxInlineResource = 50000

// RenderPrompt flattens content blocks into the text sent to the model.
// Resource links with file:// URIs have the file content inlined.
func RenderPrompt(blocks []protocol.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case protocol.BlockText:
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case protocol.BlockResourceLink:
			parts = append(parts, renderResourceLink(b))
		case protocol.BlockResource:
			if b.Resource == nil {
				continue
			}
			if b.Resource.Text != "" {
				parts = append(parts, fmt.Sprintf("=== Resource: %s ===\n%s\n=== End Resource ===\n", b.Resource.URI, truncate(b.Resource.Text)))
			} else {
				parts = append(parts, fmt.Sprintf("[Binary resource %s (%s) omitted]", b.Resource.URI, b.Resource.MimeType))
			}
		case protocol.BlockImage, protocol.BlockAudio:
			parts = append(parts, fmt.Sprintf("[%s attachment (%s) omitted]", b.Type, b.MimeType))
		}
	}
	return strings.Join(parts, "\n")
}

func renderResourceLink(b protocol.ContentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileFromURI(b.URI)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		} else {
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", truncate(content))
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}

func truncate(s string) string {
	if len(s) > maxInlineResource {
		return s[:maxInlineResource] + "\n\n[... truncated to 50KB ...]"
	}
	return s
}

func readFileFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if u.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", u.Scheme)
	}
	content, err := os.ReadFile(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}

// messageText is the plain text of a stored conversation message.
func messageText(m session.Message) string {
	if m.Role == session.RoleUser {
		return RenderPrompt(m.Content)
	}
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == protocol.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
