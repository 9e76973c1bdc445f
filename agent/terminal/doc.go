// Package terminal implements the interactive command-line mode.
//
// Each line read from the user becomes one prompt turn. The turn runs on the
// engine's worker goroutine (agent.Engine.Stream) and the terminal prints its
// events as they arrive: message chunks inline, thoughts and tool-call
// transitions on their own lines.
//
// # Usage
//
//	term := terminal.New(engine, terminal.WithTranscript(store))
//	err := term.Run(ctx, initialPrompt)
//
// # Features
//
//   - Initial prompt from the command line, then a "You: " prompt loop
//   - Exit commands (/quit, /exit) for graceful termination
//   - Every user line and assistant reply saved to the transcript
//   - Protocol errors are printed and the loop continues; a lost connection
//     ends Run with the error
package terminal
