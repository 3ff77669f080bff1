// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadDocuments reads documents from path.
//
// # Description
//
// A .json file holds an array of Document. A .md or .txt file becomes one
// document whose id and title come from the file name. A directory is
// walked recursively and every supported file is loaded; other files are
// ignored. category fills in documents that carry none.
//
// # Examples
//
//	docs, err := LoadDocuments("data/spells.json", "")
//	docs, err := LoadDocuments("notes/", "house_rules")
func LoadDocuments(path, category string) ([]Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && supported(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
	} else {
		if !supported(path) {
			return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
		}
		files = []string{path}
	}

	var docs []Document
	for _, f := range files {
		loaded, err := loadFile(f)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
		docs = append(docs, loaded...)
	}

	for i := range docs {
		if docs[i].Category == "" {
			docs[i].Category = category
		}
	}
	return docs, nil
}

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".md", ".markdown", ".txt":
		return true
	}
	return false
}

func loadFile(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var docs []Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		for i := range docs {
			if docs[i].Source == "" {
				docs[i].Source = path
			}
		}
		return docs, nil
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return []Document{{
		ID:      strings.ToLower(strings.ReplaceAll(name, " ", "_")),
		Title:   name,
		Content: string(data),
		Source:  path,
	}}, nil
}
