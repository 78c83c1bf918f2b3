// Package exc provides detached views of error graphs.
//
// A View mirrors an error's type name, message, stack trace, cause and
// suppressed errors without holding the source error values. Views cross rmi
// connections when the concrete error type is not registered on the receiving
// endpoint, and print in the conventional "Caused by:"/"Suppressed:" layout.
package exc
