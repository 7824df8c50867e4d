package services

import (
	"reflect"
	"strings"
	"sync"

	"xolo/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// AttrChange is one changed editable attribute.
type AttrChange struct {
	Attribute string
	Old       any
	New       any
}

type editableField struct {
	index []int
	name  string
}

var editableCache sync.Map // reflect.Type -> []editableField

// editableFields 列出带attr:"editable"标签的字段，属性名取json标签
func editableFields(t reflect.Type) []editableField {
	if cached, ok := editableCache.Load(t); ok {
		return cached.([]editableField)
	}
	var fields []editableField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("attr") != "editable" {
			continue
		}
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" {
			name = f.Name
		}
		fields = append(fields, editableField{index: f.Index, name: name})
	}
	editableCache.Store(t, fields)
	return fields
}

/**
 * Compare the editable attributes of two records
 * @param {*T} old - Current record
 * @param {*T} updated - Requested record
 * @returns {[]AttrChange} Changed attributes in declaration order
 * @description
 * - nil and empty slices compare equal
 */
func DiffAttributes[T any](old, updated *T) []AttrChange {
	ov := reflect.ValueOf(old).Elem()
	nv := reflect.ValueOf(updated).Elem()
	var changes []AttrChange
	for _, f := range editableFields(ov.Type()) {
		o := ov.FieldByIndex(f.index).Interface()
		n := nv.FieldByIndex(f.index).Interface()
		if cmp.Equal(o, n, cmpopts.EquateEmpty()) {
			continue
		}
		changes = append(changes, AttrChange{Attribute: f.name, Old: o, New: n})
	}
	return changes
}

// ApplyEditable copies the editable attributes of src into dst.
func ApplyEditable[T any](dst, src *T) {
	dv := reflect.ValueOf(dst).Elem()
	sv := reflect.ValueOf(src).Elem()
	for _, f := range editableFields(dv.Type()) {
		dv.FieldByIndex(f.index).Set(sv.FieldByIndex(f.index))
	}
}

// changed reports whether any of attrs is among changes.
func changed(changes []AttrChange, attrs ...string) bool {
	for _, c := range changes {
		for _, a := range attrs {
			if c.Attribute == a {
				return true
			}
		}
	}
	return false
}

// changeEntries turns attribute changes into change log entries.
func changeEntries(actor Actor, version string, changes []AttrChange) []models.ChangeLogEntry {
	entries := make([]models.ChangeLogEntry, 0, len(changes))
	for _, c := range changes {
		e := actor.entry(version, "")
		e.Attribute = c.Attribute
		e.OldValue = c.Old
		e.NewValue = c.New
		entries = append(entries, e)
	}
	return entries
}
