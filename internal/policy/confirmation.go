package policy

import (
	"AgentGuard/internal/plan"
	"AgentGuard/internal/tool"
)

// TokenKind 是确认令牌的类型，目前只有 explicit。
type TokenKind string

// KindExplicit 表示用户显式确认。
const KindExplicit TokenKind = "explicit"

// ConfirmationToken 授权某一个具体范围内的操作。
type ConfirmationToken struct {
	Kind     TokenKind `json:"kind"`
	Approved bool      `json:"approved"`
	Scope    string    `json:"scope"`
}

// ExplicitToken 构造一个已批准的显式令牌。
func ExplicitToken(scope string) *ConfirmationToken {
	return &ConfirmationToken{Kind: KindExplicit, Approved: true, Scope: scope}
}

// IsTokenValidForStep 判断令牌是否授权该步骤，范围必须逐字节相等。
func IsTokenValidForStep(token *ConfirmationToken, step plan.Step) bool {
	if step.ConfirmationScope == "" || token == nil {
		return false
	}
	if token.Kind != KindExplicit || !token.Approved {
		return false
	}
	return token.Scope == step.ConfirmationScope
}

// NeedsExplicitConfirmation 判断工具本身是否要求确认。
func NeedsExplicitConfirmation(t tool.Tool) bool {
	return t.Category() == tool.CategoryHighImpact || t.RequiresConfirmation()
}

// GenerateScope 生成标准格式的确认范围。
func GenerateScope(action, target string) string {
	return action + " " + target
}
