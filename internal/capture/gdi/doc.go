// Package gdi implements capture on Windows with GDI. A DIB section stands
// in for the shared segment; the copy path goes through GetDIBits.
package gdi
