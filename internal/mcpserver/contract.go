package mcpserver

// PageFormatContract describes the canonical wiki page format that LLM
// consumers should follow when creating or updating pages.
const PageFormatContract = `# Ansuz Page Format Contract

Every wiki page stored in Ansuz MUST follow this structure.

## Structure

` + "```" + `markdown
---
title: Human-readable title        # OPTIONAL – defaults to the humanized path segment
updated: 2025-01-15                 # OPTIONAL – content date used by dashboard widgets
tags: [one, two]                    # OPTIONAL – flow-style list
---

Body text in standard Markdown.
` + "```" + `

## Rules

1. **The metadata header is optional.** When present, the ` + "```" + `---` + "```" + ` fences
   must be the first thing in the page (no leading blank lines).
2. **Page paths** are slash-separated keys without the ` + "`" + `.md` + "`" + ` extension
   (e.g. ` + "`" + `guides/setup` + "`" + `). The first segment becomes the sidebar category;
   pages without a slash land in the General category.
3. **` + "`" + `last_updated` + "`" + ` is system-managed.** Any value you supply is replaced
   with a fresh timestamp on save; do not set it.
4. **Content dates** (` + "`" + `updated` + "`" + `, ` + "`" + `date` + "`" + `, ` + "`" + `modified` + "`" + `, ...) drive the
   recently-updated and stale-page widgets. Use ISO dates: ` + "`" + `2025-01-15` + "`" + `.
5. **Archived pages** live under the ` + "`" + `archive/` + "`" + ` prefix and are hidden from
   navigation. Do not create pages there directly; use the archive operation.
6. **Encoding** is UTF-8 with a trailing newline.
7. **Language policy:** page paths and metadata keys MUST be in English
   (Latin characters). Metadata values and body content may use any language.

## Attachments

- Attachments live under ` + "`" + `attachments/<page-path>/<filename>` + "`" + `.
- Reference them in page bodies with an absolute path:
  ` + "`" + `![description](/api/attachments/download?page=guides/setup&file=diagram.png)` + "`" + `.

## Example

` + "```" + `markdown
---
title: Deployment runbook
updated: 2025-01-20
tags: [ops, runbook]
---

# Deployment runbook

1. Announce the deploy window.
2. Run the pipeline.
` + "```" + `
`
