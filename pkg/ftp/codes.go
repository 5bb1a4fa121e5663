package ftp

import (
	"slices"
	"strings"
)

// happyCodes lists the reply codes that complete each command successfully.
// Transfer commands list their preliminary (1xx) codes; completion is
// checked separately against transferDoneCodes.
var happyCodes = map[string][]int{
	"USER":  {230, 331},
	"PASS":  {230, 202},
	"AUTH":  {234},
	"PBSZ":  {200},
	"PROT":  {200},
	"FEAT":  {211},
	"OPTS":  {200},
	"SYST":  {215},
	"TYPE":  {200},
	"MODE":  {200},
	"PWD":   {257},
	"CWD":   {250, 200},
	"CDUP":  {250, 200},
	"MKD":   {257, 250},
	"RMD":   {250},
	"DELE":  {250},
	"RNFR":  {350},
	"RNTO":  {250},
	"SIZE":  {213},
	"MDTM":  {213},
	"MFMT":  {213},
	"REST":  {350},
	"PASV":  {227},
	"PORT":  {200},
	"RETR":  {125, 150},
	"STOR":  {125, 150},
	"APPE":  {125, 150},
	"LIST":  {125, 150},
	"NLST":  {125, 150},
	"XCRC":  {250, 213, 200},
	"XMD5":  {250, 213, 200},
	"MD5":   {251, 250, 213},
	"XSHA1": {250, 213, 200},
	"NOOP":  {200},
	"QUIT":  {221},
}

var transferDoneCodes = []int{226, 250}

var greetingCodes = []int{220}

// unhappyCodes is the fixed classification of failure replies.
var unhappyCodes = map[int]string{
	421: "service not available, closing control connection",
	425: "can't open data connection",
	426: "connection closed, transfer aborted",
	430: "invalid username or password",
	434: "requested host unavailable",
	450: "requested file action not taken",
	451: "local error in processing",
	452: "insufficient storage space",
	500: "syntax error, command unrecognized",
	501: "syntax error in parameters or arguments",
	502: "command not implemented",
	503: "bad sequence of commands",
	504: "command not implemented for that parameter",
	530: "not logged in",
	532: "need account for storing files",
	534: "request denied for policy reasons",
	550: "file unavailable",
	551: "page type unknown",
	552: "exceeded storage allocation",
	553: "file name not allowed",
}

// HappyCodes returns the success codes for a command verb, or nil when the
// command has none (e.g. a free-form QUOTE).
func HappyCodes(verb string) []int {
	return happyCodes[strings.ToUpper(verb)]
}

func isHappy(code int, happy []int) bool {
	return slices.Contains(happy, code)
}

// isUnhappy classifies code as a failure. Codes outside the table in the
// 4xx and 5xx ranges are failures as well.
func isUnhappy(code int) bool {
	if _, ok := unhappyCodes[code]; ok {
		return true
	}
	return code >= 400 && code < 600
}

// describeCode returns the classification text for a failure code.
func describeCode(code int) string {
	if s, ok := unhappyCodes[code]; ok {
		return s
	}
	return "unclassified reply"
}
