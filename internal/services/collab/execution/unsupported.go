package execution

import (
	"context"
	"fmt"

	apperrors "github.com/louisbranch/codecollab/internal/platform/errors"
)

// unsupportedRunner answers for languages with no safe local evaluator. It
// never inspects the source.
type unsupportedRunner struct {
	language string
}

func (r unsupportedRunner) Language() string {
	return r.language
}

func (r unsupportedRunner) Execute(context.Context, string, Limits) (string, error) {
	return "", apperrors.Wrap(apperrors.CodeUnsupportedLanguage,
		fmt.Sprintf("unsupported language %q: not executable in this environment", r.language),
		ErrUnsupportedLanguage)
}
