package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gormanb/roborock-bridge/internal/roborock"
)

// bootstrapMain runs the interactive email-code login and writes the
// resulting credential file for otp mode. The server never triggers
// this flow itself.
func bootstrapMain(args []string) {
	flags := flag.NewFlagSet("roborock-bridge bootstrap", flag.ExitOnError)
	email := flags.String("email", "", "Roborock account email")
	code := flags.String("code", "", "Email verification code (if omitted, prompt)")
	outFile := flags.String("out", "", "Where to write the credential file")
	_ = flags.Parse(args)

	if *email == "" {
		fatal("bootstrap", fmt.Errorf("--email is required"))
	}
	if *outFile == "" {
		fatal("bootstrap", fmt.Errorf("--out is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := roborock.NewApiClient(*email, "")
	if err := client.RequestCode(ctx); err != nil {
		fatal("bootstrap", err)
	}
	fmt.Println("Verification code sent. Check your email.")

	if *code == "" {
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Enter code: ")
		text, _ := reader.ReadString('\n')
		*code = strings.TrimSpace(text)
	}
	if *code == "" {
		fatal("bootstrap", fmt.Errorf("code is required"))
	}

	userData, err := client.CodeLogin(ctx, *code)
	if err != nil {
		fatal("bootstrap", err)
	}

	data, err := json.MarshalIndent(userData, "", "  ")
	if err != nil {
		fatal("bootstrap", err)
	}

	if err := os.MkdirAll(filepath.Dir(*outFile), 0o755); err != nil {
		fatal("bootstrap", err)
	}
	if err := os.WriteFile(*outFile, data, 0o600); err != nil {
		fatal("bootstrap", err)
	}

	fmt.Printf("Wrote credential file to %s\n", *outFile)
}
