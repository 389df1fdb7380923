package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/grovetools/tabrelay/errors"
)

// ErrorHandler prints user-facing messages for coded errors
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler writing to stderr
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     os.Stderr,
	}
}

// Handle prints a message and a hint for err and returns it unchanged
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	fmt.Fprintf(h.Out, "%s %v\n", errorMark.Render("Error:"), err)
	if hint := Hint(err); hint != "" {
		fmt.Fprintf(h.Out, "%s\n", hintStyle.Render(hint))
	}

	if h.Verbose {
		if coded, ok := err.(*errors.Error); ok {
			fmt.Fprintf(h.Out, "\nError details:\n%s\n", coded.ToJSON())
		}
	}
	return err
}

// Hint returns a short suggestion for a coded error, or "".
func Hint(err error) string {
	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		return "Check the --config path or unset TABRELAY_CONFIG to use defaults."
	case errors.ErrCodeConfigInvalid:
		return "Run 'tabrelay config schema' to see the accepted keys and formats."
	case errors.ErrCodeBindFailed:
		return "The host must be a loopback address available on this machine."
	case errors.ErrCodeAddressInUse:
		return "Another process owns the ports; run 'tabrelay status' to inspect it."
	case errors.ErrCodeNoPeer:
		return "No terminal is connected. Make sure the browser extension is running."
	case errors.ErrCodeTimeout:
		return "The terminal did not answer in time; raise requests.timeout if this is expected."
	case errors.ErrCodeRelayLinkLost:
		return "The primary went away; the relay reconnects automatically."
	case errors.ErrCodeSessionNotFound:
		return "Run 'tabrelay sessions' to list known sessions."
	}
	return ""
}
