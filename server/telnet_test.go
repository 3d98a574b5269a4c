package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTelnetFilter(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{
			name:     "Normal command",
			input:    []byte("USER anonymous\r\n"),
			expected: []byte("USER anonymous\r\n"),
		},
		{
			name:     "IAC WILL",
			input:    []byte{telnetIAC, telnetWILL, 0x01, 'A', 'B', 'C'},
			expected: []byte("ABC"),
		},
		{
			name:     "IAC WONT",
			input:    []byte{telnetIAC, telnetWONT, 0x02, 'D', 'E', 'F'},
			expected: []byte("DEF"),
		},
		{
			name:     "IAC DO",
			input:    []byte{telnetIAC, telnetDO, 0x03, 'G', 'H', 'I'},
			expected: []byte("GHI"),
		},
		{
			name:     "IAC DONT",
			input:    []byte{telnetIAC, telnetDONT, 0x04, 'J', 'K', 'L'},
			expected: []byte("JKL"),
		},
		{
			name:     "IAC Escaping",
			input:    []byte{'X', telnetIAC, telnetIAC, 'Y'},
			expected: []byte{'X', telnetIAC, 'Y'},
		},
		{
			name:     "Mixed sequence",
			input:    []byte{telnetIAC, telnetDO, 0x01, 'U', 'S', 'E', 'R', ' ', telnetIAC, telnetIAC, '\r', '\n'},
			expected: []byte("USER \xff\r\n"),
		},
		{
			name:     "Interrupt before ABOR",
			input:    []byte{telnetIAC, 0xF4, telnetIAC, 0xF2, 'A', 'B', 'O', 'R', '\r', '\n'},
			expected: []byte("ABOR\r\n"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f telnetFilter
			got := f.filter(append([]byte(nil), tt.input...))
			assert.Equal(t, string(tt.expected), string(got))
		})
	}
}

func TestTelnetFilter_SplitAcrossReads(t *testing.T) {
	input := []byte{'N', 'O', telnetIAC, telnetDO, 0x01, 'O', 'P', telnetIAC, telnetIAC, '\n'}

	// Feed every possible split point; state must carry over.
	for i := 0; i <= len(input); i++ {
		var f telnetFilter
		first := f.filter(append([]byte(nil), input[:i]...))
		second := f.filter(append([]byte(nil), input[i:]...))
		got := string(first) + string(second)
		assert.Equal(t, "NOOP\xff\n", got, "split at %d", i)
	}
}
