// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
)

// Tag classifies a console line.
type Tag string

const (
	TagInfo    Tag = "INFO"
	TagWarn    Tag = "WARN"
	TagError   Tag = "ERR"
	TagExit    Tag = "EXIT"
	TagTask    Tag = "TASK"
	TagCmd     Tag = "CMD"
	TagRoutine Tag = "ROUTINE"
)

// Console prints lines above the prompt line.  While a prompt is shown,
// every printed line first clears it and then redraws it, so output from
// commands and routines never gets mixed into the text being typed.
type Console struct {
	out    *termenv.Output
	styles consoleStyles
	prompt string
	cursor int
	active bool
	raw    bool
	logger zerolog.Logger
	mx     sync.Mutex
}

type consoleStyles struct {
	tags  map[Tag]lipgloss.Style
	text  lipgloss.Style
	grey  lipgloss.Style
	red   lipgloss.Style
	blue  lipgloss.Style
	green lipgloss.Style
	yell  lipgloss.Style
	mag   lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) consoleStyles {
	col := func(c string) lipgloss.Style {
		return r.NewStyle().Foreground(lipgloss.Color(c))
	}
	s := consoleStyles{
		text:  r.NewStyle(),
		grey:  col("8"),
		red:   col("9"),
		blue:  col("12"),
		green: col("10"),
		yell:  col("11"),
		mag:   col("13"),
	}
	s.tags = map[Tag]lipgloss.Style{
		TagInfo:    s.blue,
		TagWarn:    s.yell,
		TagError:   s.red,
		TagExit:    s.red,
		TagTask:    s.green,
		TagCmd:     s.green,
		TagRoutine: col("14"),
	}
	return s
}

// NewConsole returns a console writing to w.  Colors are used when w is a
// terminal that supports them.  Every printed line is also recorded in
// logger.
func NewConsole(w io.Writer, logger zerolog.Logger) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		out:    termenv.NewOutput(w, termenv.WithProfile(r.ColorProfile())),
		styles: newStyles(r),
		logger: logger,
	}
}

// SetRaw tells the console that the terminal is in raw mode, where a line
// feed does not return the carriage.
func (c *Console) SetRaw(raw bool) {
	c.mx.Lock()
	c.raw = raw
	c.mx.Unlock()
}

func (c *Console) eol() string {
	if c.raw {
		return "\r\n"
	}
	return "\n"
}

func (c *Console) clearLine() {
	c.out.WriteString("\r")
	c.out.ClearLine()
}

func (c *Console) drawPrompt() {
	c.clearLine()
	c.out.WriteString(c.prompt)
	if back := len([]rune(c.prompt)) - c.cursor; back > 0 {
		c.out.CursorBack(back)
	}
}

// ShowPrompt displays text as the prompt line with the cursor at column
// cursor, and keeps it there until HidePrompt.
func (c *Console) ShowPrompt(text string, cursor int) {
	c.mx.Lock()
	c.prompt = text
	c.cursor = cursor
	c.active = true
	c.drawPrompt()
	c.mx.Unlock()
}

// HidePrompt clears the prompt line and stops redrawing it.
func (c *Console) HidePrompt() {
	c.mx.Lock()
	if c.active {
		c.clearLine()
	}
	c.active = false
	c.prompt = ""
	c.cursor = 0
	c.mx.Unlock()
}

// Println prints text, which may span several lines, above the prompt.
func (c *Console) Println(text string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.active {
		c.clearLine()
	}
	text = strings.TrimRight(text, "\n")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	c.out.WriteString(strings.ReplaceAll(text, "\n", c.eol()) + c.eol())
	if c.active {
		c.drawPrompt()
	}
}

func (c *Console) tagged(tag Tag, msg string, textStyle lipgloss.Style) {
	c.Println(c.styles.tags[tag].Render(string(tag)) + " " + textStyle.Render(msg))
}

func (c *Console) Info(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	c.logger.Info().Str("tag", string(TagInfo)).Msg(msg)
	c.tagged(TagInfo, msg, c.styles.grey)
}

func (c *Console) Warn(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	c.logger.Warn().Str("tag", string(TagWarn)).Msg(msg)
	c.tagged(TagWarn, msg, c.styles.text)
}

// Error prints a message, followed by err on its own line when err is
// not nil.
func (c *Console) Error(err error, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	c.logger.Error().Str("tag", string(TagError)).Err(err).Msg(msg)
	line := c.styles.red.Render(string(TagError) + " " + msg)
	if err != nil {
		line += "\n" + err.Error()
	}
	c.Println(line)
}

func (c *Console) Exit(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	c.logger.Info().Str("tag", string(TagExit)).Msg(msg)
	c.tagged(TagExit, msg, c.styles.text)
}

func (c *Console) Task(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	c.logger.Debug().Str("tag", string(TagTask)).Msg(msg)
	c.tagged(TagTask, msg, c.styles.grey)
}

func (c *Console) Cmd(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	c.logger.Debug().Str("tag", string(TagCmd)).Msg(msg)
	c.tagged(TagCmd, msg, c.styles.grey)
}

func (c *Console) Routine(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	c.logger.Debug().Str("tag", string(TagRoutine)).Msg(msg)
	c.tagged(TagRoutine, msg, c.styles.grey)
}

// Plain prints an untagged grey line.
func (c *Console) Plain(format string, v ...any) {
	c.Println(c.styles.grey.Render(fmt.Sprintf(format, v...)))
}

// Color names accepted by Paint.
const (
	ColorGrey    = "grey"
	ColorRed     = "red"
	ColorBlue    = "blue"
	ColorGreen   = "green"
	ColorYellow  = "yellow"
	ColorMagenta = "magenta"
)

// Paint renders s in one of the console colors.  Unknown colors leave s
// unchanged.
func (c *Console) Paint(color, s string) string {
	var st lipgloss.Style
	switch color {
	case ColorGrey:
		st = c.styles.grey
	case ColorRed:
		st = c.styles.red
	case ColorBlue:
		st = c.styles.blue
	case ColorGreen:
		st = c.styles.green
	case ColorYellow:
		st = c.styles.yell
	case ColorMagenta:
		st = c.styles.mag
	default:
		return s
	}
	return st.Render(s)
}

// Table prints rows as borderless columns; the first row is the header.
// Cells may contain color sequences.
func (c *Console) Table(rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := map[int]int{}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell)+3)
		}
	}
	var sb strings.Builder
	for r, row := range rows {
		if r > 0 {
			sb.WriteString("\n")
		}
		for i, cell := range row {
			sb.WriteString(cell)
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
			}
		}
	}
	c.Println(sb.String())
}
