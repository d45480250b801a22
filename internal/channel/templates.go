package channel

import (
	"bytes"
	_ "embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/kursadbilgin/civic-notify/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

type templateFile struct {
	Defaults map[string]string         `yaml:"defaults"`
	Messages map[string]templateSource `yaml:"messages"`
}

type templateSource struct {
	SMS     string `yaml:"sms"`
	Subject string `yaml:"subject"`
	Text    string `yaml:"text"`
	HTML    string `yaml:"html"`
}

type compiledTemplate struct {
	sms     *texttemplate.Template
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// Rendered is a message formatted for every channel.
type Rendered struct {
	SMS     string
	Subject string
	Text    string
	HTML    string
}

// Templates renders per-type messages.
type Templates struct {
	defaults map[string]string
	byType   map[domain.Type]compiledTemplate
}

// LoadTemplates parses the embedded message templates.
func LoadTemplates() (*Templates, error) {
	return ParseTemplates(defaultTemplates)
}

func ParseTemplates(data []byte) (*Templates, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}

	t := &Templates{
		defaults: file.Defaults,
		byType:   make(map[domain.Type]compiledTemplate, len(file.Messages)),
	}

	for name, src := range file.Messages {
		typ, err := domain.ParseTypeFromString(name)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}

		compiled, err := compileTemplate(string(typ), src)
		if err != nil {
			return nil, err
		}
		t.byType[typ] = compiled
	}

	for _, typ := range []domain.Type{
		domain.TypeReceiptConfirmation,
		domain.TypeStatusUpdate,
		domain.TypeReplySent,
		domain.TypeSatisfactionRequest,
	} {
		if _, ok := t.byType[typ]; !ok {
			return nil, fmt.Errorf("missing template for %s", typ)
		}
	}

	return t, nil
}

func compileTemplate(name string, src templateSource) (compiledTemplate, error) {
	parts := map[string]string{"sms": src.SMS, "subject": src.Subject, "text": src.Text, "html": src.HTML}
	for part, body := range parts {
		if strings.TrimSpace(body) == "" {
			return compiledTemplate{}, fmt.Errorf("template %s: %s is empty", name, part)
		}
	}

	var (
		out compiledTemplate
		err error
	)
	if out.sms, err = parseText(name+".sms", src.SMS); err != nil {
		return compiledTemplate{}, err
	}
	if out.subject, err = parseText(name+".subject", src.Subject); err != nil {
		return compiledTemplate{}, err
	}
	if out.text, err = parseText(name+".text", src.Text); err != nil {
		return compiledTemplate{}, err
	}
	out.html, err = htmltemplate.New(name + ".html").Option("missingkey=error").Parse(src.HTML)
	if err != nil {
		return compiledTemplate{}, fmt.Errorf("parse %s.html: %w", name, err)
	}
	return out, nil
}

func parseText(name, body string) (*texttemplate.Template, error) {
	tmpl, err := texttemplate.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return tmpl, nil
}

// Render formats msg for its notification type. Errors wrap ErrRender.
func (t *Templates) Render(msg Message) (Rendered, error) {
	if t == nil {
		return Rendered{}, fmt.Errorf("%w: templates not loaded", ErrRender)
	}

	compiled, ok := t.byType[msg.Type]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: no template for type %q", ErrRender, msg.Type)
	}

	data := t.templateData(msg)

	var (
		out Rendered
		err error
	)
	if out.SMS, err = execute(compiled.sms, data); err != nil {
		return Rendered{}, err
	}
	if out.Subject, err = execute(compiled.subject, data); err != nil {
		return Rendered{}, err
	}
	if out.Text, err = execute(compiled.text, data); err != nil {
		return Rendered{}, err
	}

	var buf bytes.Buffer
	if err := compiled.html.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("%w: %v", ErrRender, err)
	}
	out.HTML = buf.String()

	return out, nil
}

func (t *Templates) templateData(msg Message) map[string]any {
	data := make(map[string]any, len(t.defaults)+len(msg.Payload.TemplateData)+3)
	for key, value := range t.defaults {
		data[key] = value
	}
	for key, value := range msg.Payload.TemplateData {
		data[key] = value
	}

	data["recipientName"] = msg.Payload.RecipientName
	data["ticketId"] = msg.TicketID
	if number, ok := data["ticketNumber"]; !ok || number == "" || number == nil {
		data["ticketNumber"] = msg.TicketID
	}
	return data
}

func execute(tmpl *texttemplate.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
