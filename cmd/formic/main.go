package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/expr"
	"github.com/formiclabs/formic/processor"
)

func main() {
	cfgPath := flag.String("config", "form.yaml", "Path to the form schema")
	configCheck := flag.Bool("config-check", false, "Validate the schema and exit")
	analyze := flag.Bool("analyze", false, "Print the schema analysis as JSON and exit")
	evalExpr := flag.String("eval", "", "Evaluate an expression and exit")
	valuesJSON := flag.String("values", "{}", "JSON value map for -eval")
	inferExpr := flag.String("infer", "", "List the fields an expression references and exit")
	flag.Parse()

	if *inferExpr != "" {
		for _, name := range expr.FieldRefs(*inferExpr) {
			fmt.Println(name)
		}
		return
	}

	if *evalExpr != "" {
		if err := executeEval(*evalExpr, *valuesJSON); err != nil {
			fmt.Fprintf(os.Stderr, "eval failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load schema")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	if *analyze {
		if err := executeAnalyze(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "analysis failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	form, err := processor.New(ctx, processor.WithConfig(cfg), processor.WithConfigPath(*cfgPath))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create form")
	}
	defer form.Close()

	if err := form.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("form stopped with error")
	}
}

func executeEval(source, valuesJSON string) error {
	env := map[string]interface{}{}
	if strings.TrimSpace(valuesJSON) != "" {
		if err := json.Unmarshal([]byte(valuesJSON), &env); err != nil {
			return fmt.Errorf("parse values: %w", err)
		}
	}
	engine := expr.New()
	result := expr.Unwrap(engine.Evaluate(source, env))
	out, err := json.Marshal(result)
	if err != nil {
		fmt.Printf("%v\n", result)
		return nil
	}
	fmt.Println(string(out))
	return nil
}

func executeAnalyze(cfg *config.Config) error {
	report, err := processor.Analyze(cfg)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func executeConfigCheck(cfg *config.Config) int {
	report, err := processor.Analyze(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schema invalid: %v\n", err)
		return 1
	}

	exitCode := 0
	for _, msg := range report.Errors {
		exitCode = 1
		fmt.Printf("Schema error: %s\n", msg)
	}
	if len(report.Errors) > 0 {
		fmt.Println()
	}

	if len(report.Conditions) == 0 && len(report.Computed) == 0 {
		fmt.Println("No conditions or computed fields configured.")
		if exitCode == 0 {
			fmt.Println("Schema check completed successfully.")
		}
		return exitCode
	}

	for _, cond := range report.Conditions {
		name := cond.ID
		if name == "" {
			name = "for field " + cond.Field
		}
		fmt.Printf("Condition %q\n", name)
		if source := describeSource(cond.Source); source != "" {
			fmt.Printf("  Schema: %s\n", source)
		}
		fmt.Printf("  Target: %s\n", cond.Field)
		printExpression("Trigger", cond.Trigger)
		printDependencies(cond.Dependencies)
		for _, warning := range cond.Warnings {
			fmt.Printf("  Warning: %s\n", warning)
		}
		if len(cond.Errors) > 0 {
			exitCode = 1
			fmt.Println("  Errors:")
			for _, msg := range cond.Errors {
				fmt.Printf("    - %s\n", msg)
			}
		} else {
			fmt.Println("  Status: OK")
		}
		fmt.Println()
	}

	for _, comp := range report.Computed {
		fmt.Printf("Computed field %q\n", comp.Field)
		if source := describeSource(comp.Source); source != "" {
			fmt.Printf("  Schema: %s\n", source)
		}
		printExpression("Expression", comp.Expression)
		printDependencies(comp.Dependencies)
		if len(comp.Errors) > 0 {
			exitCode = 1
			fmt.Println("  Errors:")
			for _, msg := range comp.Errors {
				fmt.Printf("    - %s\n", msg)
			}
		} else {
			fmt.Println("  Status: OK")
		}
		fmt.Println()
	}

	if exitCode == 0 {
		fmt.Println("Schema check completed successfully.")
	} else {
		fmt.Println("Schema check completed with errors.")
	}
	return exitCode
}

func printExpression(label, source string) {
	fmt.Printf("  %s:\n", label)
	if source == "" {
		fmt.Println("    <empty>")
		return
	}
	for _, line := range strings.Split(source, "\n") {
		fmt.Printf("    %s\n", strings.TrimRight(line, " \t"))
	}
}

func printDependencies(deps []processor.FieldDependency) {
	fmt.Println("  Dependencies:")
	if len(deps) == 0 {
		fmt.Println("    <none>")
		return
	}
	for _, dep := range deps {
		kindLabel := "unknown"
		if dep.Resolved && dep.Kind != "" {
			kindLabel = string(dep.Kind)
		}
		notes := make([]string, 0, 3)
		if dep.Declared {
			notes = append(notes, "declared")
		}
		if dep.Inferred {
			notes = append(notes, "inferred")
		}
		if !dep.Resolved {
			notes = append(notes, "unresolved")
		}
		fmt.Printf("    - %s (%s)", dep.Field, kindLabel)
		if len(notes) > 0 {
			fmt.Printf(" [%s]", strings.Join(notes, ", "))
		}
		fmt.Println()
	}
}

func describeSource(ref config.SourceRef) string {
	switch {
	case ref.File == "" && ref.Form == "":
		return ""
	case ref.Form == "":
		return ref.File
	case ref.File == "":
		return ref.Form
	default:
		return fmt.Sprintf("%s (%s)", ref.File, ref.Form)
	}
}
