//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

// Package main provides build targets for schemaledger using Mage.
//
// Usage:
//
//	mage build            Compile schemactl to bin/
//	mage smoke            Build, then run schemactl against a scratch workspace
//	mage test:all         Run all tests
//	mage test:unit        Run tests that need no external database
//	mage test:postgres    Run the postgres catalog tests (needs a DSN)
//	mage test:cover       Run all tests with a coverage profile
//	mage lint             Run golangci-lint
//	mage clean            Remove build artifacts
//	mage install          Install schemactl to GOPATH/bin
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "schemactl"
	binaryDir  = "bin"
	cmdDir     = "./cmd/schemactl"
)

// Build compiles the schemactl binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.RunV(binGo, "build", "-v", "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Smoke builds schemactl and runs init, drift, sync, and verify in a
// temporary config and data directory.
func Smoke() error {
	mg.Deps(Build)
	dir, err := os.MkdirTemp("", "schemactl-smoke-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	bin := filepath.Join(binaryDir, binaryName)
	global := []string{"--config-dir", filepath.Join(dir, "config"), "--data-dir", filepath.Join(dir, "data")}
	for _, args := range [][]string{{"init"}, {"drift"}, {"sync"}, {"verify"}, {"status"}} {
		if err := sh.RunV(bin, append(global, args...)...); err != nil {
			return fmt.Errorf("schemactl %v: %w", args, err)
		}
	}
	return nil
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}
