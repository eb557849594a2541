// Package content renders conversation messages for the terminal: sender
// labels styled from the active theme, word-wrapped prose and syntax
// highlighted code fences.
package content

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alecthomas/chroma"
	"github.com/alecthomas/chroma/formatters"
	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/session"
)

const maxCacheEntries = 2000

// Renderer turns session messages into styled terminal text. Rendered
// messages are cached by ID and width; messages never change once appended.
type Renderer struct {
	companionName string
	highlighter   *SyntaxHighlighter
	styles        Styles

	mutex sync.Mutex
	cache map[cacheKey]string
}

type cacheKey struct {
	id    string
	width int
}

// Styles holds the lipgloss styles derived from a theme
type Styles struct {
	User      lipgloss.Style
	Companion lipgloss.Style
	System    lipgloss.Style
	Error     lipgloss.Style
	Timestamp lipgloss.Style
	Emotion   lipgloss.Style
	Code      lipgloss.Style
}

// NewStyles builds styles from theme. A nil theme uses plain defaults.
func NewStyles(theme *interfaces.Theme) Styles {
	s := Styles{
		User:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61afef")),
		Companion: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#c678dd")),
		System:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#7f848e")),
		Error:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e06c75")),
		Timestamp: lipgloss.NewStyle().Faint(true),
		Emotion:   lipgloss.NewStyle().Faint(true).Italic(true),
		Code:      lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("#5c6370")).Padding(0, 1),
	}
	if theme == nil {
		return s
	}
	if theme.User != "" {
		s.User = s.User.Foreground(lipgloss.Color(theme.User))
	}
	if theme.Companion != "" {
		s.Companion = s.Companion.Foreground(lipgloss.Color(theme.Companion))
	}
	if theme.System != "" {
		s.System = s.System.Foreground(lipgloss.Color(theme.System))
	}
	if theme.Error != "" {
		s.Error = s.Error.Foreground(lipgloss.Color(theme.Error))
	}
	return s
}

// NewRenderer creates a renderer for theme. companionName labels the
// companion's messages.
func NewRenderer(theme *interfaces.Theme, companionName string) *Renderer {
	codeStyle := "monokai"
	if theme != nil && theme.Code != "" {
		codeStyle = theme.Code
	}
	if strings.TrimSpace(companionName) == "" {
		companionName = "Companion"
	}

	return &Renderer{
		companionName: companionName,
		highlighter:   NewSyntaxHighlighter(codeStyle, "terminal256"),
		styles:        NewStyles(theme),
		cache:         make(map[cacheKey]string),
	}
}

// Styles returns the styles in use
func (r *Renderer) Styles() Styles {
	return r.styles
}

// RenderMessage renders one message wrapped to width columns
func (r *Renderer) RenderMessage(msg session.Message, width int) string {
	key := cacheKey{id: msg.ID, width: width}
	if msg.ID != "" {
		r.mutex.Lock()
		cached, ok := r.cache[key]
		r.mutex.Unlock()
		if ok {
			return cached
		}
	}

	out := r.render(msg, width)

	if msg.ID != "" {
		r.mutex.Lock()
		if len(r.cache) >= maxCacheEntries {
			r.cache = make(map[cacheKey]string)
		}
		r.cache[key] = out
		r.mutex.Unlock()
	}
	return out
}

// RenderMessages renders a log, separating messages with a blank line
func (r *Renderer) RenderMessages(msgs []session.Message, width int) string {
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		parts = append(parts, r.RenderMessage(msg, width))
	}
	return strings.Join(parts, "\n\n")
}

func (r *Renderer) render(msg session.Message, width int) string {
	header := r.header(msg)

	bodyWidth := width
	if bodyWidth <= 0 {
		bodyWidth = 80
	}

	var body []string
	for _, seg := range Split(msg.Content) {
		if seg.Code {
			highlighted, err := r.highlighter.Highlight(seg.Text, seg.Language)
			if err != nil {
				highlighted = seg.Text
			}
			body = append(body, r.styles.Code.Render(strings.TrimRight(highlighted, "\n")))
			continue
		}
		text := strings.Trim(seg.Text, "\n")
		if text == "" {
			continue
		}
		style := lipgloss.NewStyle().Width(bodyWidth)
		switch msg.Sender {
		case session.SenderSystem:
			style = r.styles.System.Width(bodyWidth)
		case session.SenderError:
			style = r.styles.Error.Bold(false).Width(bodyWidth)
		}
		body = append(body, style.Render(text))
	}

	return header + "\n" + strings.Join(body, "\n")
}

func (r *Renderer) header(msg session.Message) string {
	var label string
	switch msg.Sender {
	case session.SenderUser:
		label = r.styles.User.Render("You")
	case session.SenderCompanion:
		label = r.styles.Companion.Render(r.companionName)
		if msg.Emotion != "" {
			label += " " + r.styles.Emotion.Render(fmt.Sprintf("(%s)", msg.Emotion))
		}
	case session.SenderError:
		label = r.styles.Error.Render("Error")
	default:
		label = r.styles.System.Render("System")
	}

	if msg.Timestamp.IsZero() {
		return label
	}
	return label + " " + r.styles.Timestamp.Render(msg.Timestamp.Format("15:04"))
}

// PlainMessage renders msg without styling, for line-oriented output
func PlainMessage(msg session.Message, companionName string) string {
	switch msg.Sender {
	case session.SenderUser:
		return "you> " + msg.Content
	case session.SenderCompanion:
		if companionName == "" {
			companionName = "companion"
		}
		return strings.ToLower(companionName) + "> " + msg.Content
	case session.SenderError:
		return "error: " + msg.Content
	default:
		return "* " + msg.Content
	}
}

// SyntaxHighlighter highlights code with chroma
type SyntaxHighlighter struct {
	formatter chroma.Formatter
	style     *chroma.Style
}

// NewSyntaxHighlighter creates a highlighter for the named chroma style and
// formatter, falling back to defaults for unknown names
func NewSyntaxHighlighter(styleName, formatterName string) *SyntaxHighlighter {
	formatter := formatters.Get(formatterName)
	if formatter == nil {
		formatter = formatters.Fallback
	}
	style := styles.Get(styleName)
	if style == nil {
		style = styles.Fallback
	}
	return &SyntaxHighlighter{formatter: formatter, style: style}
}

// Highlight returns code with terminal color escapes. The language is
// guessed from the code when it is empty or unknown.
func (sh *SyntaxHighlighter) Highlight(code, language string) (string, error) {
	var lexer chroma.Lexer
	if language != "" {
		lexer = lexers.Get(language)
	}
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}

	var out strings.Builder
	if err := sh.formatter.Format(&out, sh.style, iterator); err != nil {
		return code, err
	}
	return out.String(), nil
}
