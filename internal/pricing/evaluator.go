package pricing

import (
	"github.com/cowork-market/tariff/internal/domain"
	"github.com/cowork-market/tariff/internal/pricing/formula"
)

// EvaluatePriceRule resolves variables, evaluates the conditions and runs the
// selected formula. It never panics; problems in the rule content surface as
// a nil price.
func EvaluatePriceRule(def domain.PriceRuleDefinition, ctx domain.EvaluationContext) domain.PriceRuleEvaluationResult {
	then, els := compileBranches(def, func(src string) *formula.Program {
		p, _ := formula.Compile(src)
		return p
	})
	return evaluateWith(def, Resolve(def.Variables, ctx), then, els)
}

// compileBranches builds the programs for the formula and elseFormula of def.
// els is nil when def has no elseFormula.
func compileBranches(def domain.PriceRuleDefinition, compile func(string) *formula.Program) (then, els *formula.Program) {
	then = compile(def.Formula)
	if def.ElseFormula != nil {
		els = compile(*def.ElseFormula)
	}
	return then, els
}

// evaluateWith selects the branch for def and evaluates its program.
func evaluateWith(def domain.PriceRuleDefinition, table Table, then, els *formula.Program) domain.PriceRuleEvaluationResult {
	if len(def.Conditions) == 0 {
		return domain.PriceRuleEvaluationResult{
			Price:  then.Eval(table),
			Branch: domain.BranchUnconditional,
		}
	}

	if EvaluateConditions(def.Conditions, table) {
		return domain.PriceRuleEvaluationResult{
			Price:  then.Eval(table),
			Branch: domain.BranchThen,
		}
	}

	if def.ElseFormula != nil {
		return domain.PriceRuleEvaluationResult{
			Price:  els.Eval(table),
			Branch: domain.BranchElse,
		}
	}

	return domain.PriceRuleEvaluationResult{Branch: domain.BranchNoMatch}
}
