// Package export writes chat transcripts to files.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"

	"mikuai/internal/models"
)

// Transcript is a session together with its ordered messages.
type Transcript struct {
	Session  models.ChatSession `json:"session" yaml:"session"`
	Messages []*models.Message  `json:"messages" yaml:"messages"`
}

type Exporter interface {
	Export(t *Transcript, w io.Writer) error
	Extension() string
	ContentType() string
}

// Formats lists the accepted format names.
var Formats = []string{"md", "html", "json", "jsonl", "yaml"}

func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "md", "markdown", "":
		return markdownExporter{}, nil
	case "html":
		return htmlExporter{}, nil
	case "json":
		return jsonExporter{}, nil
	case "jsonl":
		return jsonlExporter{}, nil
	case "yaml", "yml":
		return yamlExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: %s)", format, strings.Join(Formats, ", "))
	}
}

// FileName suggests a file name for t in the exporter's format.
func FileName(t *Transcript, e Exporter) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ' || r == ':':
			return '-'
		default:
			return -1
		}
	}, t.Session.Name)
	if name == "" {
		name = "chat"
	}
	return fmt.Sprintf("%s-%d.%s", name, t.Session.ID, e.Extension())
}

type markdownExporter struct{}

func (markdownExporter) Export(t *Transcript, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.Session.Name)
	fmt.Fprintf(&b, "**Created:** %s  \n", t.Session.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Messages:** %d\n", len(t.Messages))
	for _, msg := range t.Messages {
		fmt.Fprintf(&b, "\n---\n\n**%s** (%s)\n\n%s\n", speaker(msg.Sender), msg.Timestamp.Format("15:04:05"), msg.Body)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (markdownExporter) Extension() string   { return "md" }
func (markdownExporter) ContentType() string { return "text/markdown; charset=utf-8" }

func speaker(s models.Sender) string {
	switch s {
	case models.SenderUser:
		return "You"
	case models.SenderAssistant:
		return "Miku"
	default:
		return "System"
	}
}

// htmlExporter renders the markdown transcript as a standalone page.
type htmlExporter struct{}

func (htmlExporter) Export(t *Transcript, w io.Writer) error {
	var md bytes.Buffer
	if err := (markdownExporter{}).Export(t, &md); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := goldmark.Convert(md.Bytes(), &body); err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n%s</body>\n</html>\n",
		html.EscapeString(t.Session.Name), body.Bytes())
	return err
}

func (htmlExporter) Extension() string   { return "html" }
func (htmlExporter) ContentType() string { return "text/html; charset=utf-8" }

type jsonExporter struct{}

func (jsonExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

func (jsonExporter) Extension() string   { return "json" }
func (jsonExporter) ContentType() string { return "application/json" }

// jsonlExporter writes one message per line.
type jsonlExporter struct{}

func (jsonlExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, msg := range t.Messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("encode message %d: %w", msg.ID, err)
		}
	}
	return nil
}

func (jsonlExporter) Extension() string   { return "jsonl" }
func (jsonlExporter) ContentType() string { return "application/x-ndjson" }

type yamlExporter struct{}

func (yamlExporter) Export(t *Transcript, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func (yamlExporter) Extension() string   { return "yaml" }
func (yamlExporter) ContentType() string { return "application/yaml" }
