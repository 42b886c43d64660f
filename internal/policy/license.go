// Package policy holds the pure gating decisions applied before a tool runs:
// license entitlement, scoped confirmation and the emergency kill switches.
package policy

import (
	"strings"

	"AgentGuard/internal/tool"
)

// License 是调用方的授权等级。
type License string

const (
	LicenseStarter    License = "starter"
	LicenseCreator    License = "creator"
	LicensePro        License = "pro"
	LicensePioneer    License = "pioneer"
	LicenseFounder    License = "founder"
	LicenseEnterprise License = "enterprise"
)

// deployProd 是 pro/pioneer 唯一可用的高影响工具。
const deployProd = "deploy.prod"

// ParseLicense 解析授权等级名称，未知名称返回 false。
func ParseLicense(raw string) (License, bool) {
	l := License(strings.ToLower(strings.TrimSpace(raw)))
	switch l {
	case LicenseStarter, LicenseCreator, LicensePro, LicensePioneer, LicenseFounder, LicenseEnterprise:
		return l, true
	default:
		return "", false
	}
}

// CanUseTool 判断授权等级是否允许调用工具。未知等级按最严格处理。
func CanUseTool(license License, t tool.Tool) bool {
	switch t.Category() {
	case tool.CategoryRead, tool.CategorySafeWrite:
		return true
	case tool.CategoryHighImpact:
		switch license {
		case LicensePro, LicensePioneer:
			return t.Name() == deployProd
		case LicenseFounder, LicenseEnterprise:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// AllowedCategories 返回授权等级可以触达的工具类别。
// pro/pioneer 的高影响类别仍受 CanUseTool 的按工具限制。
func AllowedCategories(license License) []tool.Category {
	base := []tool.Category{tool.CategoryRead, tool.CategorySafeWrite}
	switch license {
	case LicensePro, LicensePioneer, LicenseFounder, LicenseEnterprise:
		return append(base, tool.CategoryHighImpact)
	default:
		return base
	}
}
