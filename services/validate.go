package services

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"xolo/internal/models"

	"github.com/go-playground/validator/v10"
	goversion "github.com/hashicorp/go-version"
)

var (
	titleIDPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)
	versionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]{0,63}$`)
	killAppPattern   = regexp.MustCompile(`^[^;]+\.app;[A-Za-z0-9][A-Za-z0-9.-]*$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("xolo_id", func(fl validator.FieldLevel) bool {
		return titleIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("xolo_version", func(fl validator.FieldLevel) bool {
		return versionIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("os_version", func(fl validator.FieldLevel) bool {
		_, err := goversion.NewVersion(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("killapp", func(fl validator.FieldLevel) bool {
		return killAppPattern.MatchString(fl.Field().String())
	})
	return v
}

var tagMessages = map[string]string{
	"required":     "is required",
	"email":        "must be an email address",
	"xolo_id":      "must be lowercase letters, digits and dashes",
	"xolo_version": "must be letters, digits, '.', '_', '+' or '-'",
	"os_version":   "must be an OS version like 12.0.1",
	"killapp":      "must look like 'AppName.app;com.bundle.id'",
	"endswith":     "must end with",
	"gte":          "must be at least",
}

// structErrors 把validator错误转成一条可读的Validation错误
func structErrors(kind string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ErrValidation.New("invalid %s: %v", kind, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := tagMessages[fe.Tag()]
		if !ok {
			msg = "failed '" + fe.Tag() + "'"
		}
		if fe.Param() != "" {
			msg += " " + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s %s", fieldPath(fe), msg))
	}
	return ErrValidation.New("invalid %s: %s", kind, strings.Join(msgs, "; "))
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

/**
 * Validate a title spec
 * @param {*models.Title} t - Requested title
 * @returns {error} ErrValidation describing every problem found by the field rules,
 *   or the first cross-field rule that fails
 */
func ValidateTitle(t *models.Title) error {
	if err := validate.Struct(t); err != nil {
		return structErrors("title", err)
	}

	hasApp := t.AppName != "" || t.AppBundleID != ""
	if (t.AppName == "") != (t.AppBundleID == "") {
		return ErrValidation.New("app_name and app_bundle_id must be set together")
	}
	if hasApp && t.VersionScript != "" {
		return ErrValidation.New("app_name/app_bundle_id and version_script are mutually exclusive")
	}
	if !hasApp && t.VersionScript == "" {
		return ErrValidation.New("either app_name and app_bundle_id, or version_script, is required")
	}
	if t.UninstallScript != "" && len(t.UninstallIDs) > 0 {
		return ErrValidation.New("uninstall_script and uninstall_ids are mutually exclusive")
	}
	if (t.Expiration > 0) != (len(t.ExpirePaths) > 0) {
		return ErrValidation.New("expiration and expire_paths must be set together")
	}
	if t.Expiration > 0 && !t.Removable() {
		return ErrValidation.New("expiration requires uninstall_script or uninstall_ids")
	}
	for _, p := range t.ExpirePaths {
		if !filepath.IsAbs(p) {
			return ErrValidation.New("expire path '%s' must be absolute", p)
		}
	}
	if slices.Contains(t.ReleaseGroups, models.TargetAll) && len(t.ReleaseGroups) > 1 {
		return ErrValidation.New("release_groups '%s' can't be combined with other groups", models.TargetAll)
	}
	if slices.Contains(t.ExcludedGroups, models.TargetAll) {
		return ErrValidation.New("excluded_groups can't contain '%s'", models.TargetAll)
	}
	if t.SelfService && t.SelfServiceCategory == "" {
		return ErrValidation.New("self_service requires self_service_category")
	}
	return nil
}

/**
 * Validate a version spec
 * @param {*models.Version} v - Requested version
 * @returns {error} ErrValidation for bad fields or inverted OS bounds
 */
func ValidateVersion(v *models.Version) error {
	if err := validate.Struct(v); err != nil {
		return structErrors("version", err)
	}
	if v.MaxOS != "" {
		min, _ := goversion.NewVersion(v.MinOS)
		max, _ := goversion.NewVersion(v.MaxOS)
		if max.LessThan(min) {
			return ErrValidation.New("max_os %s is lower than min_os %s", v.MaxOS, v.MinOS)
		}
	}
	if slices.Contains(v.PilotGroups, models.TargetAll) {
		return ErrValidation.New("pilot_groups can't contain '%s'", models.TargetAll)
	}
	return nil
}

/**
 * Order version strings newest first
 * @description
 * - Semantic versions compare numerically, anything unparsable sorts after them
 *   in reverse lexical order
 */
func SortVersionsNewestFirst(versions []string) {
	slices.SortStableFunc(versions, func(a, b string) int {
		va, ea := goversion.NewVersion(a)
		vb, eb := goversion.NewVersion(b)
		switch {
		case ea == nil && eb == nil:
			return vb.Compare(va)
		case ea == nil:
			return -1
		case eb == nil:
			return 1
		default:
			return strings.Compare(b, a)
		}
	})
}

// versionNewer reports whether a is a newer version than b.
func versionNewer(a, b string) bool {
	va, ea := goversion.NewVersion(a)
	vb, eb := goversion.NewVersion(b)
	if ea != nil || eb != nil {
		return a > b
	}
	return va.GreaterThan(vb)
}
