package nest

import (
	"context"
	"io"
)

// PasswordPrompter asks the user for the password of an archive. retry is
// true when a previous password for the same archive was rejected.
// Returning an error declines the prompt.
type PasswordPrompter interface {
	PromptPassword(ctx context.Context, archive string, retry bool) (string, error)
}

// PasswordPrompterFunc adapts a function to PasswordPrompter.
type PasswordPrompterFunc func(ctx context.Context, archive string, retry bool) (string, error)

// PromptPassword calls f.
func (f PasswordPrompterFunc) PromptPassword(ctx context.Context, archive string, retry bool) (string, error) {
	return f(ctx, archive, retry)
}

// Notifier shows short notices to the user.
type Notifier interface {
	Notify(title, message string)
}

// PageRenderer renders one page of a PDF file as an image. page is zero
// based.
type PageRenderer interface {
	RenderPage(ctx context.Context, path string, page int) (io.ReadCloser, error)
}

// ProgressTracker registers long running operations so they can be shown
// and canceled globally. Begin is called when an operation starts and the
// returned function when it ends.
type ProgressTracker interface {
	Begin(label string, cancel context.CancelFunc) (end func())
}
