// adminhash: утилита для генерации Argon2id хеша пароля администратора.
// Запуск: go run ./cmd/adminhash ваш_пароль
//
// Результат вставьте в .env как ADMIN_PASSWORD_HASH.
package main

import (
	"fmt"
	"os"

	"serotonyl.ru/wellness-ledger/internal/features/admin"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Использование: go run ./cmd/adminhash <пароль>")
		os.Exit(1)
	}

	hash, err := admin.HashPassword(os.Args[1])
	if err != nil {
		fmt.Printf("Ошибка: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Добавьте в .env:")
	fmt.Printf("ADMIN_PASSWORD_HASH=%s\n", hash)
}
