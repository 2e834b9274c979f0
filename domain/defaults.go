/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package domain

const qualityPrompt = "Perform quality code review of the file `{{file_path}}` in repository `{{repo}}`.\n" +
	"PR: {{pr_number}} SHA: {{head_sha}}\n\n" +
	"File contents:\n```\n{{content}}\n```\n\n" +
	"Provide concise, actionable feedback (bugs, style, complexity, security concerns, tests missing) " +
	"and a short severity score (low/medium/high)."

const securityPrompt = `You are an expert security reviewer. Analyze the following code from the file '{{file_path}}' for security vulnerabilities.
Focus on:
- Hardcoded secrets or API keys.
- Common vulnerabilities (e.g., SQL Injection, XSS, Insecure Deserialization).
- Insecure configuration (e.g., overly permissive IAM roles, open firewall rules).
- Use of deprecated or unsafe libraries.

Provide your feedback as a list of bullet points with severity (CRITICAL, HIGH, MEDIUM, LOW). If there are no issues, respond with "No security issues found."

CODE:
` + "```\n{{content}}\n```\n"

const docsPrompt = `You are a technical writer reviewing documentation in pull request {{pr_number}} of {{repo}}.
Review the file '{{file_path}}' for missing or outdated doc comments, unclear README sections and undocumented public APIs.
Suggest concrete wording where documentation should be added or changed. If the documentation is adequate, respond with "Documentation looks good."

CONTENT:
` + "```\n{{content}}\n```\n"

// Default returns the built-in quality, security and docs domains.
func Default() Catalog {
	return Catalog{{
		Name:       "quality",
		Title:      "Code Quality",
		Extensions: []string{".py", ".js", ".go"},
		Prompt:     qualityPrompt,
	}, {
		Name:       "security",
		Title:      "Security",
		Extensions: []string{".py", ".js", ".go", ".json", ".yaml", ".tf"},
		Prompt:     securityPrompt,
	}, {
		Name:       "docs",
		Title:      "Documentation",
		Extensions: []string{".py", ".js", ".go", ".md"},
		Prompt:     docsPrompt,
	}}
}
