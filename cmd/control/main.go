// Command control drives the administrative disconnect/connect
// channel of a pointcluster node: each stdin line "d <addr>" or
// "c <addr>" dials <addr> and sends the corresponding control frame
// (spec.md §4.7, §6).
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/jabolina/pointcluster/internal/transport"
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handleLine(line); err != nil {
			fmt.Fprintf(os.Stderr, "control: %v\n", err)
		}
	}
}

func handleLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return fmt.Errorf("expected \"d <addr>\" or \"c <addr>\", got %q", line)
	}

	var code transport.ControlCode
	switch fields[0] {
	case "d":
		code = transport.ControlDisconnect
	case "c":
		code = transport.ControlConnect
	default:
		return fmt.Errorf("unknown control verb %q", fields[0])
	}

	return sendControl(fields[1], code)
}

func sendControl(addr string, code transport.ControlCode) error {
	conn, err := transport.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte{byte(transport.FrameControl), byte(code)})
	return err
}
