// Copyright 2022 the System Transparency Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jsonutil holds helpers for strict JSON decoding.
package jsonutil

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Tags returns the json keys of struct or struct pointer s. Options like
// omitempty are stripped and fields tagged "-" are skipped.
func Tags(s interface{}) []string {
	tags := make([]string, 0)

	typ := reflect.TypeOf(s)
	if typ == nil {
		return tags
	}

	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return tags
	}

	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")

		if name != "" && name != "-" {
			tags = append(tags, name)
		}
	}

	return tags
}

// MissingKeys returns the json keys of s that are absent from the JSON
// object in data, in field order. Keys present with a null value count as
// present.
func MissingKeys(data []byte, s interface{}) ([]string, error) {
	var jsonMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &jsonMap); err != nil {
		return nil, err
	}

	var missing []string

	for _, tag := range Tags(s) {
		if _, ok := jsonMap[tag]; !ok {
			missing = append(missing, tag)
		}
	}

	return missing, nil
}
