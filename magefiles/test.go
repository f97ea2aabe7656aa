//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// envPostgresDSN enables the postgres tests.
const envPostgresDSN = "SCHEMALEDGER_TEST_POSTGRES_DSN"

const coverProfile = "coverage.out"

// Test groups test targets (all, unit, postgres, cover).
type Test mg.Namespace

// All runs all tests.
func (Test) All() error {
	return sh.RunV(binGo, "test", "-v", "./...")
}

// Unit runs the tests of every package except internal/postgres.
func (Test) Unit() error {
	pkgs, err := sh.Output(binGo, "list", "./...")
	if err != nil {
		return err
	}
	var unitPkgs []string
	for pkg := range strings.SplitSeq(pkgs, "\n") {
		if pkg != "" && !strings.HasSuffix(pkg, "/internal/postgres") {
			unitPkgs = append(unitPkgs, pkg)
		}
	}
	if len(unitPkgs) == 0 {
		fmt.Println("No unit test packages found.")
		return nil
	}
	args := append([]string{"test", "-v"}, unitPkgs...)
	return sh.RunV(binGo, args...)
}

// Postgres runs the postgres catalog and executor tests against the
// database named by SCHEMALEDGER_TEST_POSTGRES_DSN.
func (Test) Postgres() error {
	if os.Getenv(envPostgresDSN) == "" {
		return fmt.Errorf("%s is not set", envPostgresDSN)
	}
	return sh.RunV(binGo, "test", "-v", "-count=1", "./internal/postgres/...")
}

// Cover runs all tests with race detection and writes coverage.out.
func (Test) Cover() error {
	if err := sh.RunV(binGo, "test", "-race", "-coverprofile="+coverProfile, "./..."); err != nil {
		return err
	}
	return sh.RunV(binGo, "tool", "cover", "-func="+coverProfile)
}
