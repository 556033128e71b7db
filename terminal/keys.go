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
	"unicode/utf8"

	"github.com/gdamore/tcell/v2"
)

const esc = 0x1b

// decodeKeys converts one read of raw terminal input into key events.
// Two escapes in the same read form the escape-escape sequence, which is
// reported as KeyEscape with ModAlt.  Unknown escape sequences are
// dropped.
func decodeKeys(b []byte) []*tcell.EventKey {
	var keys []*tcell.EventKey
	add := func(k tcell.Key, r rune, m tcell.ModMask) {
		keys = append(keys, tcell.NewEventKey(k, r, m))
	}
	for len(b) > 0 {
		switch c := b[0]; {
		case c == '\r' || c == '\n':
			add(tcell.KeyEnter, 0, tcell.ModNone)
			b = b[1:]
			// A CR LF pair is a single Enter.
			if c == '\r' && len(b) > 0 && b[0] == '\n' {
				b = b[1:]
			}
		case c == 0x7f || c == 0x08:
			add(tcell.KeyBackspace2, 0, tcell.ModNone)
			b = b[1:]
		case c == 0x03:
			add(tcell.KeyCtrlC, 0, tcell.ModCtrl)
			b = b[1:]
		case c == '\t':
			add(tcell.KeyTab, 0, tcell.ModNone)
			b = b[1:]
		case c == esc:
			n := decodeEscape(b, add)
			b = b[n:]
		case c < ' ':
			// Other control characters have no meaning here.
			add(tcell.Key(c), 0, tcell.ModCtrl)
			b = b[1:]
		default:
			r, n := utf8.DecodeRune(b)
			if r == utf8.RuneError && n <= 1 && !utf8.FullRune(b) {
				// Partial rune at the end of the read; drop it.
				return keys
			}
			add(tcell.KeyRune, r, tcell.ModNone)
			b = b[n:]
		}
	}
	return keys
}

// decodeEscape decodes the escape sequence at the start of b and returns
// the number of bytes consumed.
func decodeEscape(b []byte, add func(tcell.Key, rune, tcell.ModMask)) int {
	if len(b) == 1 {
		add(tcell.KeyEscape, 0, tcell.ModNone)
		return 1
	}
	switch b[1] {
	case esc:
		add(tcell.KeyEscape, 0, tcell.ModAlt)
		return 2
	case '[', 'O':
	default:
		add(tcell.KeyEscape, 0, tcell.ModNone)
		return 1
	}

	// CSI or SS3: parameters, then a final byte in 0x40..0x7e.
	i := 2
	for i < len(b) && (b[i] < 0x40 || b[i] > 0x7e) {
		i++
	}
	if i >= len(b) {
		return len(b)
	}
	params := string(b[2:i])
	switch b[i] {
	case 'A':
		add(tcell.KeyUp, 0, tcell.ModNone)
	case 'B':
		add(tcell.KeyDown, 0, tcell.ModNone)
	case 'C':
		add(tcell.KeyRight, 0, tcell.ModNone)
	case 'D':
		add(tcell.KeyLeft, 0, tcell.ModNone)
	case 'H':
		add(tcell.KeyHome, 0, tcell.ModNone)
	case 'F':
		add(tcell.KeyEnd, 0, tcell.ModNone)
	case '~':
		switch params {
		case "3":
			add(tcell.KeyDelete, 0, tcell.ModNone)
		case "1", "7":
			add(tcell.KeyHome, 0, tcell.ModNone)
		case "4", "8":
			add(tcell.KeyEnd, 0, tcell.ModNone)
		}
	}
	return i + 1
}
