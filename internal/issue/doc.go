// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and long-form failure guidance.
//
// ActionableError wraps a cause with the operation that failed, the resource it
// touched, and suggestions for the operator. Issue values are Markdown pages,
// rendered with glamour, that explain one class of image build failure and what to
// try next.
package issue
