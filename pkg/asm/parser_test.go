package asm

import (
	"errors"
	"testing"
)

func TestParser_Statements(t *testing.T) {
	input := `
start:
loop:	addi a0, a0, 1
	.word 1, 2
	ret`

	stmts, err := NewParser(input).Parse()
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(stmts))
	}

	if stmts[0].Name != "addi" || len(stmts[0].Labels) != 2 || stmts[0].Line != 3 {
		t.Errorf("unexpected first statement %+v", stmts[0])
	}
	if stmts[1].Name != ".word" || len(stmts[1].Operands) != 2 {
		t.Errorf("unexpected directive %+v", stmts[1])
	}
	if stmts[2].Name != "ret" || len(stmts[2].Operands) != 0 {
		t.Errorf("unexpected ret %+v", stmts[2])
	}
}

func TestParser_Operands(t *testing.T) {
	stmts, err := NewParser(`op x5, 8(sp), (a1), sym+4, %lo(sym)(t0), "s"`).Parse()
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ops := stmts[0].Operands

	expected := []OperandKind{OperandReg, OperandMem, OperandMem, OperandExpr, OperandMem, OperandString}
	if len(ops) != len(expected) {
		t.Fatalf("expected %d operands, got %d", len(expected), len(ops))
	}
	for i, op := range ops {
		if op.Kind != expected[i] {
			t.Errorf("operand %d: expected kind %d, got %d", i, expected[i], op.Kind)
		}
	}

	if ops[0].Reg != 5 || ops[1].Reg != 2 || ops[2].Reg != 11 || ops[4].Reg != 5 {
		t.Error("wrong registers parsed")
	}
	if ops[2].Expr != nil {
		t.Error("(reg) should have no offset")
	}
	if ops[3].Expr.String() != "sym+4" {
		t.Errorf("unexpected expression %s", ops[3].Expr)
	}
	if ops[4].Expr.String() != "%lo(sym)" {
		t.Errorf("unexpected relocation %s", ops[4].Expr)
	}
}

func TestParser_Expressions(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1+2", 3},
		{"-5", -5},
		{"10-(2+3)", 5},
		{"%hi(0x12345678)", 0x12345},
		{"%lo(0x12345678)", 0x678},
		{"%hi(0x12345fff)", 0x12346},
		{"%lo(0x12345fff)", -1},
	}

	sc := &scope{
		lookup: func(string) (int64, error) { return 0, ErrUndefinedSymbol },
		dot:    func() (int64, error) { return 0, nil },
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			stmts, err := NewParser(".word " + tt.input).Parse()
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			v, err := stmts[0].Operands[0].Expr.eval(sc)
			if err != nil {
				t.Fatalf("eval failed: %v", err)
			}
			if v != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, v)
			}
		})
	}
}

func TestParser_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
	}{
		{"missing comma", "add a0 a1, a2", 1},
		{"stray paren", "nop\nadd a0, )", 2},
		{"bad relocation", "lui a0, %pcrel(x)", 1},
		{"statement starts with number", "\n\n42", 3},
		{"bad integer", "li a0, 12zz", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser(tt.input).Parse()
			var ae *Error
			if !errors.As(err, &ae) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ae.Line != tt.line {
				t.Errorf("expected line %d, got %d", tt.line, ae.Line)
			}
			if !errors.Is(err, ErrSyntax) {
				t.Errorf("expected ErrSyntax, got %v", err)
			}
		})
	}
}
