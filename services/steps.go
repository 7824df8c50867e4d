package services

import (
	"fmt"
	"slices"
	"strings"

	"xolo/internal/logger"
	"xolo/internal/models"

	"github.com/zeebo/errs"
)

// steps runs the external calls of one operation and remembers which succeeded,
// so a failure can say what was already committed.
type steps struct {
	op   string
	rep  Reporter
	done []string
}

func newSteps(op string, rep Reporter) *steps {
	return &steps{op: op, rep: rep}
}

func (s *steps) do(name string, fn func() error) error {
	s.rep.Report("%s...", name)
	if err := fn(); err != nil {
		return s.fail(name, err)
	}
	s.done = append(s.done, name)
	return nil
}

func (s *steps) fail(name string, err error) error {
	msg := fmt.Sprintf("%s: %s failed: %v", s.op, lowerFirst(name), unwrapMessage(err))
	if len(s.done) > 0 {
		msg += fmt.Sprintf(" (already done: %s)", strings.Join(s.done, "; "))
	}
	logger.Errorf("%s", msg)
	return classOf(err).New("%s", msg)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// unwrapMessage 去掉错误分类前缀，避免重复
func unwrapMessage(err error) string {
	msg := err.Error()
	for _, c := range errorClasses() {
		prefix := string(*c) + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return msg
}

func errorClasses() []*errs.Class {
	return []*errs.Class{&ErrNotFound, &ErrAlreadyExists, &ErrConflict, &ErrValidation,
		&ErrActionRequired, &ErrUpstream, &ErrFatal}
}

// classOf 返回错误所属分类，远程调用的未分类错误视为上游错误
func classOf(err error) *errs.Class {
	for _, c := range errorClasses() {
		if c.Has(err) {
			return c
		}
	}
	return &ErrUpstream
}

// ignoreNotFound treats deleting something already gone as success.
func ignoreNotFound(err error) error {
	if ErrNotFound.Has(err) {
		return nil
	}
	return err
}

func requirementCriteria(t *models.Title) []Criterion {
	if t.UsesVersionScript() {
		return []Criterion{{Name: t.ExtensionAttribute(), Operator: "exists", Type: "extensionAttribute"}}
	}
	return []Criterion{{Name: "Application Bundle ID", Operator: "is", Value: t.AppBundleID, Type: "recon"}}
}

func installedCriteria(t *models.Title) []Criterion {
	if t.UsesVersionScript() {
		return []Criterion{{Name: t.ExtensionAttribute(), Operator: "is not", Value: ""}}
	}
	return []Criterion{
		{Name: "Application Title", Operator: "is", Value: t.AppName},
		{Name: "Application Bundle ID", Operator: "is", Value: t.AppBundleID, And: true},
	}
}

func capabilities(v *models.Version) Capabilities {
	return Capabilities{MinOS: v.MinOS, MaxOS: v.MaxOS, KillApps: slices.Clone(v.KillApps), Reboot: v.Reboot}
}

func releaseScope(t *models.Title) PolicyScope {
	scope := PolicyScope{
		ExcludedGroups: append(slices.Clone(t.ExcludedGroups), t.FrozenGroup()),
	}
	if t.ReleasedToAll() {
		scope.AllComputers = true
	} else {
		scope.Groups = slices.Clone(t.ReleaseGroups)
	}
	return scope
}

func autoInstallPolicy(t *models.Title, v *models.Version) *Policy {
	return &Policy{
		Name:      t.AutoInstallPolicy(),
		Enabled:   true,
		Trigger:   "checkin",
		Frequency: "Once per computer",
		Package:   v.PackageName(),
		Reboot:    v.Reboot,
		Scope:     releaseScope(t),
	}
}

func patchPolicy(t *models.Title, v *models.Version) *Policy {
	return &Policy{
		Name:      t.PatchPolicy(),
		Enabled:   true,
		Trigger:   "patch",
		Frequency: "Ongoing",
		Package:   v.PackageName(),
		Reboot:    v.Reboot,
		Scope: PolicyScope{
			Groups:         []string{t.InstalledGroup()},
			ExcludedGroups: append(slices.Clone(t.ExcludedGroups), t.FrozenGroup()),
		},
	}
}

func pilotPolicy(t *models.Title, v *models.Version) *Policy {
	return &Policy{
		Name:      v.PilotPolicy(),
		Enabled:   v.Uploaded() && v.Status == models.StatusPilot && len(v.PilotGroups) > 0,
		Trigger:   "checkin",
		Frequency: "Once per computer",
		Package:   v.PackageName(),
		Reboot:    v.Reboot,
		Scope: PolicyScope{
			Groups:         slices.Clone(v.PilotGroups),
			ExcludedGroups: append(slices.Clone(t.ExcludedGroups), t.FrozenGroup()),
		},
	}
}

// selfServicePolicy 没有发布版本时策略保持禁用
func selfServicePolicy(t *models.Title, pkg string) *Policy {
	return &Policy{
		Name:        t.SelfServicePolicy(),
		Category:    t.SelfServiceCategory,
		Enabled:     pkg != "",
		Frequency:   "Ongoing",
		Package:     pkg,
		SelfService: true,
		Icon:        t.SelfServiceIcon,
		Scope:       releaseScope(t),
	}
}

func uninstallPolicy(t *models.Title) *Policy {
	p := &Policy{
		Name:      t.UninstallPolicy(),
		Enabled:   t.Expiration > 0,
		Trigger:   "checkin",
		Frequency: "Ongoing",
		Script:    uninstallScript(t),
	}
	if t.Expiration > 0 {
		p.Scope.Groups = []string{t.ExpiredGroup()}
		p.Scope.ExcludedGroups = []string{t.FrozenGroup()}
	}
	return p
}

// uninstallScript 没有自定义脚本时按包ID删除已安装文件
func uninstallScript(t *models.Title) string {
	if t.UninstallScript != "" {
		return t.UninstallScript
	}
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, id := range t.UninstallIDs {
		fmt.Fprintf(&b, "pkgutil --only-files --files '%s' | while read -r f; do rm -f \"/$f\"; done\n", id)
		fmt.Fprintf(&b, "pkgutil --forget '%s'\n", id)
	}
	return b.String()
}
