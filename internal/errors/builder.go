package errors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// ErrorBuilder собирает ошибку цепочкой вызовов. Цепочка заканчивается Mark.
type ErrorBuilder struct {
	err error
}

func NewError(msg string) *ErrorBuilder {
	return &ErrorBuilder{err: errors.New(msg)}
}

func NewErrorf(format string, args ...any) *ErrorBuilder {
	return &ErrorBuilder{err: errors.Newf(format, args...)}
}

func WithError(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// WithMessage - контекст для логов
func (b *ErrorBuilder) WithMessage(msg string) *ErrorBuilder {
	b.err = errors.WithMessage(b.err, msg)
	return b
}

// WithHint - текст, который можно показать клиенту API
func (b *ErrorBuilder) WithHint(hint string) *ErrorBuilder {
	b.err = errors.WithHint(b.err, hint)
	return b
}

func (b *ErrorBuilder) WithHintf(format string, args ...any) *ErrorBuilder {
	b.err = errors.WithHintf(b.err, format, args...)
	return b
}

// WithDetails attaches key=value pairs for the logs, sorted by key.
func (b *ErrorBuilder) WithDetails(details map[string]any) *ErrorBuilder {
	keys := lo.Keys(details)
	sort.Strings(keys)
	pairs := lo.Map(keys, func(k string, _ int) string { return fmt.Sprintf("%s=%v", k, details[k]) })
	b.err = errors.WithDetail(b.err, strings.Join(pairs, " "))
	return b
}

func (b *ErrorBuilder) Mark(reference error) error {
	b.err = errors.Mark(b.err, reference)
	return b.err
}

func Hints(err error) []string {
	return errors.GetAllHints(err)
}

func Details(err error) []string {
	return errors.GetAllDetails(err)
}
