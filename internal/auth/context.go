package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

type subjectKey struct{}

// WithSubject 将经过身份验证的主体写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出请求主体，鉴权关闭时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// CallerFromContext 返回请求主体绑定的链上地址。
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	return SubjectFromContext(ctx).Caller()
}
