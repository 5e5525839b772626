package codegen

import "text/template"

// Templates render Python source text the kernel imports; the generator
// never parses or executes Python, it only produces source files, so no
// reflection is needed at runtime.

var preambleTemplate = template.Must(template.New("preamble").Parse(
	`# Generated by the coordinator's code generator. Do not edit by hand.
# Holds the Tool Service address and bearer secret for this session; never
# shipped outside the kernel's workspace.
TOOL_SERVICE_ADDRESS = {{printf "%q" .Address}}
TOOL_SERVICE_SECRET = {{printf "%q" .Secret}}
`))

var aggregateTemplate = template.Must(template.New("aggregate").Parse(
	`# Generated by the coordinator's code generator. Do not edit by hand.
TOOLS = [
{{- range .Tools}}
    {{printf "%q" .}},
{{- end}}
]
`))

var toolModuleTemplate = template.Must(template.New("tool_module").Parse(
`# Generated by the coordinator's code generator. Do not edit by hand.
from __future__ import annotations

import json
{{- if .NeedsRe}}
import re
{{- end}}
import urllib.request
from dataclasses import dataclass, asdict
from typing import Any, List, Literal, Optional, Union

from tools._preamble import TOOL_SERVICE_ADDRESS, TOOL_SERVICE_SECRET


class ToolCallError(Exception):
    def __init__(self, kind: str, message: str):
        super().__init__(message)
        self.kind = kind
        self.message = message

{{range .NestedClasses}}

@dataclass
class {{.Name}}:
{{- if .Fields}}
{{- range .Fields}}
    {{.Name}}: {{.Type}}{{if .HasDefault}} = {{.Default}}{{end}}
{{- end}}
{{- else}}
    pass
{{- end}}
{{- if .Checks}}

    def __post_init__(self):
{{- range .Checks}}
        {{.}}
{{- end}}
{{- end}}
{{end}}


@dataclass
class Params:
{{- if .Fields}}
{{- range .Fields}}
    {{.Name}}: {{.Type}}{{if .HasDefault}} = {{.Default}}{{end}}
{{- end}}
{{- else}}
    pass
{{- end}}
{{- if .Checks}}

    def __post_init__(self):
{{- range .Checks}}
        {{.}}
{{- end}}
{{- end}}


{{if .HasResult}}@dataclass
class Result:
{{- if .ResultFields}}
{{- range .ResultFields}}
    {{.Name}}: {{.Type}}{{if .HasDefault}} = {{.Default}}{{end}}
{{- end}}
{{- else}}
    pass
{{- end}}
{{- if .ResultChecks}}

    def __post_init__(self):
{{- range .ResultChecks}}
        {{.}}
{{- end}}
{{- end}}


{{end}}def _call(args: dict) -> Any:
    body = json.dumps({"provider": {{printf "%q" .Provider}}, "tool": {{printf "%q" .Tool}}, "args": args}).encode("utf-8")
    req = urllib.request.Request(
        f"http://{TOOL_SERVICE_ADDRESS}/run",
        data=body,
        method="POST",
        headers={
            "Content-Type": "application/json",
            "Authorization": f"Bearer {TOOL_SERVICE_SECRET}",
        },
    )
    with urllib.request.urlopen(req) as resp:
        payload = json.loads(resp.read())
    if not payload.get("ok"):
        err = payload.get("error") or {}
        raise ToolCallError(err.get("kind", "tool_error"), err.get("message", "tool call failed"))
    return payload.get("result")


def run_raw(params: Params) -> str:
    result = _call({k: v for k, v in asdict(params).items() if v is not None})
    return result if isinstance(result, str) else json.dumps(result)


def run_parsed(params: Params) -> {{if .HasResult}}Result{{else}}str{{end}}:
    # Parses run_raw's output into Result when the tool declares an output
    # schema; otherwise returns run_raw's string unchanged.
{{if .HasResult}}    return Result(**json.loads(run_raw(params))){{else}}    return run_raw(params){{end}}


def run(params: Params) -> {{if .HasResult}}Result{{else}}str{{end}}:
    result = _call({k: v for k, v in asdict(params).items() if v is not None})
{{if .HasResult}}    return Result(**result){{else}}    return result if isinstance(result, str) else json.dumps(result){{end}}
`))
