package server

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

type telnetState uint8

const (
	telnetData    telnetState = iota
	telnetCommand             // saw IAC
	telnetOption              // saw IAC WILL/WONT/DO/DONT, option byte follows
)

// telnetFilter strips Telnet commands from the control stream.
//
// It keeps its state between calls, so a sequence split across two reads is
// still removed. IAC IAC yields a literal 0xFF.
type telnetFilter struct {
	state telnetState
}

// filter removes Telnet commands from p in place and returns the data bytes.
func (t *telnetFilter) filter(p []byte) []byte {
	out := p[:0]
	for _, b := range p {
		switch t.state {
		case telnetData:
			if b == telnetIAC {
				t.state = telnetCommand
				continue
			}
			out = append(out, b)
		case telnetCommand:
			switch b {
			case telnetIAC:
				out = append(out, telnetIAC)
				t.state = telnetData
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				t.state = telnetOption
			default:
				// Two-byte command such as IP or DM (sent before ABOR).
				t.state = telnetData
			}
		case telnetOption:
			t.state = telnetData
		}
	}
	return out
}
