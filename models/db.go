package models

import (
	"database/sql"
	"os"
	"strings"
	"time"

	"StoryFlow-server/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal().Msg("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open database failed")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("connect database failed")
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("gorm init failed")
	}

	log.Info().Msg("database connected")

	// bootstrap schema from doc/sql/StoryFlow.sql
	b, err := os.ReadFile("doc/sql/StoryFlow.sql")
	if err != nil {
		log.Warn().Err(err).Msg("read schema file failed, skip bootstrap")
		return
	}
	for _, s := range strings.Split(string(b), ";") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := DB.Exec(s); err != nil {
			log.Warn().Err(err).Str("sql", s).Msg("schema statement failed")
		}
	}
}
