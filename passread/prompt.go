package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// selectMenu lets the user pick one item with the arrow keys. It returns -1
// when stdin is not a terminal or the menu is empty.
func selectMenu(prompt string, items []string) int {
	if len(items) == 0 || !stdinIsTerminal() {
		return -1
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting raw mode: %v\r\n", err)
		return -1
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	selected := 0
	render := func() {
		for i, item := range items {
			if i == selected {
				fmt.Printf("> %s\r\n", item)
			} else {
				fmt.Printf("  %s\r\n", item)
			}
		}
	}
	fmt.Printf("%s\r\n", prompt)
	render()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return -1
		}
		switch {
		case n == 1 && (buf[0] == 0x0D || buf[0] == 0x0A):
			fmt.Printf("\r\n")
			return selected
		case n == 1 && buf[0] == 0x03: // Ctrl-C
			fmt.Printf("\r\n")
			return -1
		case n == 3 && buf[0] == 0x1B && buf[1] == '[':
			moved := false
			switch buf[2] {
			case 'A':
				if selected > 0 {
					selected--
					moved = true
				}
			case 'B':
				if selected < len(items)-1 {
					selected++
					moved = true
				}
			}
			if moved {
				// back to the first item line, then redraw
				fmt.Printf("\033[%dA", len(items))
				render()
			}
		}
	}
}

// promptField asks for one MRZ field. On a terminal the input is not echoed,
// since the three fields together open the chip.
func promptField(label string, in *bufio.Reader) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	if stdinIsTerminal() {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.ToUpper(strings.TrimSpace(string(b))), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.ToUpper(strings.TrimSpace(line)), nil
}
