package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/nfatrace/supervisor/internal/authorizer"
)

// promptOperator implements the interactive stdin prompt, grounded on
// Authorizer::handleUnauthorised/handleNonFinal's numbered-choice loop:
// it re-asks on an invalid answer rather than defaulting to a decision.
func promptOperator(v authorizer.Violation) authorizer.Decision {
	reader := bufio.NewReader(os.Stdin)

	switch v.Kind {
	case authorizer.NotAuthorised:
		fmt.Printf("Warning: spid %d (%s) made a syscall entry never observed before\n", v.Spid, v.Executable)
		fmt.Println("1 - Kill the target process")
		fmt.Println("2 - Add the new state and allow it")
		for {
			choice := readChoice(reader)
			switch choice {
			case "1":
				return authorizer.Kill
			case "2":
				return authorizer.Admit
			default:
				fmt.Println("Invalid choice")
			}
		}
	case authorizer.NotFinal:
		fmt.Printf("Warning: spid %d (%s) terminated in a non-final state\n", v.Spid, v.Executable)
		fmt.Println("1 - Kill the target process")
		fmt.Println("2 - Mark the state as final")
		for {
			choice := readChoice(reader)
			switch choice {
			case "1":
				return authorizer.Kill
			case "2":
				return authorizer.MarkFinal
			default:
				fmt.Println("Invalid choice")
			}
		}
	default:
		return authorizer.Kill
	}
}

func readChoice(r *bufio.Reader) string {
	fmt.Print("Choice: ")
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}

// dotFromAuthoriser renders auth's automaton as DOT, stripping the
// trailing ';' byte the way Authorizer::dotOutput does before writing
// the file.
func dotFromAuthoriser(auth *authorizer.Authoriser) string {
	s := auth.Automaton().Visualize()
	s = strings.TrimRight(s, "\n")
	s = strings.TrimSuffix(s, ";")
	return s + "\n"
}
