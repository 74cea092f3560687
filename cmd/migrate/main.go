package main

import (
	"context"
	"flag"
	"log"

	"automator/internal/app"
	"automator/internal/config"

	"github.com/spf13/viper"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default ./config.yml)")
	seed := flag.Bool("seed", false, "install built-in templates as disabled rules")
	owner := flag.String("owner", "demo", "owner of seeded rules")
	flag.Parse()

	if *cfgPath != "" {
		viper.SetConfigFile(*cfgPath)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	if err := config.BindEnv(viper.GetViper(), "AUTOMATOR"); err != nil {
		log.Fatalf("Failed to bind environment: %v", err)
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Failed to read config: %v", err)
		}
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := app.OpenDatabase(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := app.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")

	if *seed {
		log.Println("Seeding template rules...")
		a, err := app.New(cfg, nil, app.Options{DB: db, SkipMigrate: true})
		if err != nil {
			log.Fatalf("Failed to build engine: %v", err)
		}
		n, err := app.SeedTemplates(context.Background(), a.Service, *owner)
		if err != nil {
			log.Fatalf("Failed to seed templates: %v", err)
		}
		log.Printf("Seeded %d template rules for %s", n, *owner)
	}

	log.Println("Migration process completed!")
}
