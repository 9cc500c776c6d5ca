package cli

import "context"

// Run is the whole command line as a function: it parses args (excluding
// argv[0]) and executes the result. It returns the semantic exit code plus
// any error.
func Run(ctx context.Context, args []string) (CLIResult, error) {
	inv, err := ParseInvocation(args)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	return Execute(ctx, inv)
}
