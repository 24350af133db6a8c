/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package xrpl

import "strings"

// Class is the pipeline's view of an engine result.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

const ResultSuccess = "tesSUCCESS"

// transientTef lists the tef codes that a fresh sequence or ledger window can cure.
var transientTef = map[string]bool{
	"tefPAST_SEQ":   true,
	"tefMAX_LEDGER": true,
}

// Classify maps an engine result to a class. Only a validated result is final for tes and tec
// codes; the same codes seen before validation say nothing about the outcome.
func Classify(engineResult string, validated bool) Class {
	switch {
	case engineResult == ResultSuccess:
		if validated {
			return ClassSuccess
		}
		return ClassTransient
	case strings.HasPrefix(engineResult, "tec"):
		if validated {
			return ClassTerminal
		}
		return ClassTransient
	case strings.HasPrefix(engineResult, "tem"):
		return ClassTerminal
	case strings.HasPrefix(engineResult, "tef"):
		if transientTef[engineResult] {
			return ClassTransient
		}
		return ClassTerminal
	}
	// tel, ter and anything unknown
	return ClassTransient
}

// IsRejected reports whether a submit preliminary result means the transaction can never be
// included in a ledger.
func IsRejected(engineResult string) bool {
	return strings.HasPrefix(engineResult, "tem") ||
		(strings.HasPrefix(engineResult, "tef") && !transientTef[engineResult])
}

// IsSequenceError reports whether the result points to a stale cached sequence.
func IsSequenceError(engineResult string) bool {
	switch engineResult {
	case "tefPAST_SEQ", "terPRE_SEQ":
		return true
	}
	return false
}
