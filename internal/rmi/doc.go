// Package rmi implements a symmetric remote object protocol over a single
// connected stream. Objects implementing a registered interface cross the
// connection by reference and arrive as proxies; registered values, enums,
// serializable types and errors cross by value. Each method carries a
// dispatch policy evaluated on the calling side.
package rmi
