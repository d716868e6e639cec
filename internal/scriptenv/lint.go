package scriptenv

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"go.uber.org/zap"
)

// Symbols the canonical script must define for the browser and the live
// probe to find it.
var requiredScriptSymbols = []string{"capgate", "activateWidgets"}

// LintResult is the outcome of statically checking the canonical script.
type LintResult struct {
	SyntaxErrors   []string
	MissingSymbols []string
}

// Ok reports whether the script passed every check.
func (r LintResult) Ok() bool {
	return len(r.SyntaxErrors) == 0 && len(r.MissingSymbols) == 0
}

// Err folds the result into a single error, nil when clean.
func (r LintResult) Err() error {
	if r.Ok() {
		return nil
	}
	return fmt.Errorf("script lint failed: %d syntax error(s), missing symbols %v",
		len(r.SyntaxErrors), r.MissingSymbols)
}

// LintScript parses src with tree-sitter and checks for syntax errors and
// the required entry-point symbols. It never executes the script.
func LintScript(ctx context.Context, src []byte, logger *zap.Logger) (LintResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("script_lint")

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return LintResult{}, fmt.Errorf("tree-sitter failed to parse script: %w", err)
	}
	defer tree.Close()

	var result LintResult
	root := tree.RootNode()

	seen := make(map[string]bool)
	collectScriptFacts(root, src, seen, &result)

	for _, symbol := range requiredScriptSymbols {
		if !seen[symbol] {
			result.MissingSymbols = append(result.MissingSymbols, symbol)
		}
	}

	if !result.Ok() {
		log.Warn("Canonical script failed lint.",
			zap.Strings("syntax_errors", result.SyntaxErrors),
			zap.Strings("missing_symbols", result.MissingSymbols))
	}
	return result, nil
}

// collectScriptFacts walks the AST recording error nodes and the
// identifier/property names the script defines or references.
func collectScriptFacts(node *sitter.Node, src []byte, seen map[string]bool, result *LintResult) {
	if node == nil || node.IsNull() {
		return
	}

	if node.IsError() {
		start := node.StartPoint()
		result.SyntaxErrors = append(result.SyntaxErrors,
			fmt.Sprintf("syntax error at line %d, column %d", start.Row+1, start.Column+1))
	}

	switch node.Type() {
	case "identifier", "property_identifier", "shorthand_property_identifier":
		seen[node.Content(src)] = true
	}

	cursor := sitter.NewTreeCursor(node)
	defer cursor.Close()
	if cursor.GoToFirstChild() {
		for {
			collectScriptFacts(cursor.CurrentNode(), src, seen, result)
			if !cursor.GoToNextSibling() {
				break
			}
		}
	}
}
