package skills

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const calcName = "calc"

var (
	numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	binaryPattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*([-+*/x×÷^])\s*(-?\d+(?:\.\d+)?)\s*=?\s*$`)
)

// operation keywords, checked in order
var calcKeywords = []struct {
	op    string
	words []string
}{
	{"-", []string{"minus", "subtract", "less", "difference"}},
	{"*", []string{"times", "multiply", "multiplied", "product"}},
	{"/", []string{"divide", "divided", "over", "quotient"}},
	{"^", []string{"power", "pow"}},
	{"+", []string{"plus", "add", "sum", "and"}},
}

// CalcTool evaluates two-number arithmetic given either as an expression
// ("12 times 4", "3/4") or as explicit operands. When no operation can be
// recognised the numbers are added.
type CalcTool struct{}

type calcArgs struct {
	Expression string   `json:"expression"`
	A          *float64 `json:"a"`
	B          *float64 `json:"b"`
	Op         string   `json:"op"`
}

func (t *CalcTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: calcName,
		Desc: "Two-number arithmetic (add, subtract, multiply, divide, power). Pass an expression such as \"12 times 4\", or a, b and op.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"expression": {Type: schema.String, Desc: "expression with two numbers"},
			"a":          {Type: schema.Number, Desc: "first operand"},
			"b":          {Type: schema.Number, Desc: "second operand"},
			"op":         {Type: schema.String, Desc: "operation: + - * / ^ or a word"},
		}),
	}, nil
}

func (t *CalcTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var args calcArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}

	a, b, op, err := args.operands()
	if err != nil {
		return "", err
	}

	v, err := Calculate(a, b, op)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s %s %s = %s", formatNumber(a), op, formatNumber(b), formatNumber(v)), nil
}

func (c calcArgs) operands() (float64, float64, string, error) {
	if c.A != nil && c.B != nil {
		return *c.A, *c.B, normalizeOp(c.Op), nil
	}

	expr := strings.TrimSpace(c.Expression)
	if expr == "" {
		return 0, 0, "", fmt.Errorf("%w: need an expression or a and b", ErrBadArguments)
	}

	if m := binaryPattern.FindStringSubmatch(expr); m != nil {
		a, _ := strconv.ParseFloat(m[1], 64)
		b, _ := strconv.ParseFloat(m[3], 64)
		return a, b, normalizeOp(m[2]), nil
	}

	nums := numberPattern.FindAllString(expr, -1)
	if len(nums) != 2 {
		return 0, 0, "", fmt.Errorf("%w: expected two numbers in %q", ErrBadArguments, expr)
	}
	a, _ := strconv.ParseFloat(nums[0], 64)
	b, _ := strconv.ParseFloat(nums[1], 64)

	return a, b, normalizeOp(keywordOp(expr)), nil
}

func keywordOp(expr string) string {
	words := strings.FieldsFunc(strings.ToLower(expr), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	for _, kw := range calcKeywords {
		for _, w := range words {
			for _, k := range kw.words {
				if w == k {
					return kw.op
				}
			}
		}
	}
	return ""
}

// normalizeOp maps symbols and words onto + - * / ^. Anything unrecognised
// is addition.
func normalizeOp(op string) string {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "-", "minus", "sub", "subtract":
		return "-"
	case "*", "x", "×", "times", "mul", "multiply":
		return "*"
	case "/", "÷", "div", "divide":
		return "/"
	case "^", "pow", "power":
		return "^"
	default:
		return "+"
	}
}

// Calculate applies op to a and b.
func Calculate(a, b float64, op string) (float64, error) {
	switch op {
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return 0, fmt.Errorf("%w: division by zero", ErrBadArguments)
		}
		return a / b, nil
	case "^":
		return math.Pow(a, b), nil
	default:
		return a + b, nil
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
