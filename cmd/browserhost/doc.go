// Command browserhost runs the off-process browser surface helper.
package main
