package cmd

import (
	"fmt"

	"grimm.is/peerd/internal/store"
)

// RunToken prints a freshly generated client secret token.
func RunToken() error {
	token, err := store.GenerateSecretToken()
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
