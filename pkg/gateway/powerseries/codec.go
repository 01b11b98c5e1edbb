package powerseries

import (
	"fmt"
	"strconv"

	"github.com/stargate-home/stargate/pkg/util"
)

// Frame is one decoded integration message: a three-digit command
// number and its data field. The checksum exists only on the wire.
type Frame struct {
	Command int
	Data    string
}

// Encode renders a frame in wire form: zero-padded command number,
// data, and a two-digit upper-case hex checksum (the sum of the ASCII
// byte values of command and data, modulo 256). CRLF framing is the
// session's job.
func Encode(command int, data string) string {
	body := fmt.Sprintf("%03d%s", command, data)
	sum := 0
	for i := 0; i < len(body); i++ {
		sum += int(body[i])
	}
	return fmt.Sprintf("%s%02X", body, sum%256)
}

// Decode parses and verifies one wire line. Verification re-encodes
// the parsed command and data and compares against the received line,
// so a corrupted command, data, or checksum all fail the same way.
func Decode(line string) (Frame, error) {
	if len(line) < 5 {
		return Frame{}, fmt.Errorf("frame %q too short: %w", line, util.ErrBadFrame)
	}
	command, err := strconv.Atoi(line[:3])
	if err != nil {
		return Frame{}, fmt.Errorf("frame %q: bad command number: %w", line, util.ErrBadFrame)
	}
	data := line[3 : len(line)-2]
	if Encode(command, data) != line {
		return Frame{}, fmt.Errorf("frame %q: bad checksum: %w", line, util.ErrBadFrame)
	}
	return Frame{Command: command, Data: data}, nil
}
