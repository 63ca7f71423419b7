package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gateway-fm/inkrunner/internal/config"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

const quitChoice = 6

const banner = `
 _       _                                   
(_)_ __ | | ___ __ _   _ _ __  _ __   ___ _ __ 
| | '_ \| |/ / '__| | | | '_ \| '_ \ / _ \ '__|
| | | | |   <| |  | |_| | | | | | | |  __/ |   
|_|_| |_|_|\_\_|   \__,_|_| |_|_| |_|\___|_|   
`

const options = `1. Bridge ETH from Ethereum Sepolia to Ink Sepolia.
2. Deploy an ERC-721 contract in Ink Sepolia + interact with it.
3. Deploy an ERC-20 contract in Ink Sepolia + interact with it.
4. Random interactions.
5. Register .ink testnet domain.
6. Quit.
`

// errQuit is returned when the user picks Quit or closes stdin.
var errQuit = errors.New("quit")

// menu prompts for the next operation on a terminal.
type menu struct {
	in  *bufio.Reader
	out io.Writer
}

func newMenu(in io.Reader, out io.Writer) *menu {
	return &menu{in: bufio.NewReader(in), out: out}
}

// choose shows the options and returns the selected operation with its
// per-account count. Invalid input is reported and asked again.
func (m *menu) choose() (types.Operation, int, error) {
	fmt.Fprint(m.out, banner, "\n", options, "\n")

	for {
		n, err := m.readInt("Choose an option (1-6): ")
		if err != nil {
			return "", 0, err
		}
		if n == quitChoice {
			return "", 0, errQuit
		}
		op, ok := types.OperationFromChoice(n)
		if !ok {
			fmt.Fprintln(m.out, "Please choose a number between 1 and 6.")
			continue
		}
		if !op.NeedsCount() {
			return op, 0, nil
		}
		count, err := m.readCount()
		if err != nil {
			return "", 0, err
		}
		return op, count, nil
	}
}

func (m *menu) readCount() (int, error) {
	for {
		n, err := m.readInt("Enter an integer number of how many contracts you want to deploy: ")
		if err != nil {
			return 0, err
		}
		if n >= 1 && n <= config.MaxOperationCount {
			return n, nil
		}
		fmt.Fprintf(m.out, "Please enter a number between 1 and %d.\n", config.MaxOperationCount)
	}
}

// readInt prompts until a line parses as an integer.
func (m *menu) readInt(prompt string) (int, error) {
	for {
		fmt.Fprint(m.out, prompt)
		line, err := m.in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" && err != nil {
			if errors.Is(err, io.EOF) {
				return 0, errQuit
			}
			return 0, err
		}
		n, convErr := strconv.Atoi(line)
		if convErr == nil {
			return n, nil
		}
		fmt.Fprintf(m.out, "%q is not a number.\n", line)
		if err != nil {
			return 0, errQuit
		}
	}
}
