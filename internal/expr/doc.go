// Package expr holds compiled expression trees and their evaluation.
//
// Expressions arrive already compiled: the textual query language is handled
// elsewhere and hands the engine a tree of Node values. The node set is
// closed (Node is sealed), so evaluation is a single type switch per walk
// rather than a chain of virtual calls.
//
// Evaluation follows SQL-style null semantics: any comparison or arithmetic
// with a null operand yields null, and EvalBool treats null as false.
package expr
