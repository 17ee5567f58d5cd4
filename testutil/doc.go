// Package testutil provides observability spies and SQLite fixtures shared by the package tests.
package testutil
