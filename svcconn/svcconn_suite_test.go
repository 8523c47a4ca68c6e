// Package svcconn implements the Service Connection Manager (spec.md §4.I).
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package svcconn_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestSvcConn(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}
