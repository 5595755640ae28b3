package repository

import (
	"strconv"
	"strings"
)

// where accumulates AND-ed conditions with numbered placeholders. Each
// condition uses ? for its single argument.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.Replace(clause, "?", w.placeholder(), 1))
}

// raw adds a condition that takes no argument.
func (w *where) raw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) placeholder() string {
	return "$" + strconv.Itoa(len(w.args))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// page appends LIMIT/OFFSET arguments and returns the clause.
func (w *where) page(page, perPage int) (string, []interface{}) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	args := append(append([]interface{}{}, w.args...), perPage, (page-1)*perPage)
	n := len(w.args)
	return " LIMIT $" + strconv.Itoa(n+1) + " OFFSET $" + strconv.Itoa(n+2), args
}
